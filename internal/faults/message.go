package faults

var userMessages = map[Kind]string{
	Network:         "Network connection problem. Check your internet connection and try again.",
	Timeout:         "The request took too long. Please try again.",
	RateLimit:       "Too many requests. Please wait and retry.",
	Server:          "The cloud service is having problems. Please try again later.",
	Authentication:  "Your session has expired. Please reconnect your account.",
	Permission:      "Permission denied. Check your account's access rights.",
	NotFound:        "The file was not found in cloud storage.",
	FileTooLarge:    "The file is too large to upload.",
	Storage:         "Cloud storage is full. Free up space and try again.",
	Validation:      "The request was invalid. Check your input.",
	InvalidResponse: "The cloud service returned an unexpected response.",
	Offline:         "You are offline. This action needs an internet connection.",
}

// UserMessage returns a short, non-technical description of err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[KindOf(err)]; ok {
		return msg
	}
	return "Something went wrong. Please try again."
}
