package metadata

import (
	"bytes"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "https://notesync.invalid/metadata.schema.json"

// documentSchema checks the shape of the persisted blob before it is decoded.
const documentSchema = `{
  "type": "object",
  "required": ["version", "notes", "providers"],
  "properties": {
    "version": {"type": "string"},
    "lastUpdated": {"type": "string"},
    "notes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "fileName", "provider", "cloudFileId",
                     "lastModified", "lastSynced", "size", "checksum"],
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "fileName": {"type": "string"},
          "provider": {"type": "string"},
          "cloudFileId": {"type": "string"},
          "lastModified": {"type": "string"},
          "lastSynced": {"type": "string"},
          "size": {"type": "integer", "minimum": 0},
          "checksum": {"type": "string"}
        }
      }
    },
    "providers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["connected"],
        "properties": {
          "connected": {"type": "boolean"},
          "applicationFolderId": {"type": "string"},
          "lastSync": {"type": "string"},
          "displayName": {"type": "string"},
          "icon": {"type": "string"}
        }
      }
    }
  }
}`

var (
	shape    *jsonschema.Schema
	validate *validator.Validate
)

func init() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic(err)
	}
	shape, err = c.Compile(schemaURL)
	if err != nil {
		panic(err)
	}

	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	}); err != nil {
		panic(err)
	}
}

func checkShape(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return shape.Validate(inst)
}

// Validate checks every field of n and returns a *ValidationError for the
// first offending one.
func Validate(n NoteMetadata) error {
	err := validate.Struct(n)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Msg: messageFor(fe.Tag())}
	}
	return err
}

func messageFor(tag string) string {
	switch tag {
	case "notblank":
		return "must be a non-empty string"
	case "required":
		return "must be a valid timestamp"
	case "gte":
		return "must be non-negative"
	}
	return "is invalid"
}
