package handlers

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://loam-logger.local/schemas/"

// garminActivitiesSchema accepts either the activities push/ping shape or the
// activityDetails shape. Items must carry the Garmin user and something to
// identify or fetch the activity by.
const garminActivitiesSchema = `{
	"type": "object",
	"oneOf": [
		{
			"required": ["activities"],
			"properties": {
				"activities": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["userId"],
						"properties": {
							"userId": {"type": "string", "minLength": 1},
							"callbackURL": {"type": "string", "minLength": 1}
						},
						"anyOf": [
							{"required": ["callbackURL"]},
							{"required": ["summaryId"]},
							{"required": ["activityId"]}
						]
					}
				}
			}
		},
		{
			"required": ["activityDetails"],
			"properties": {
				"activityDetails": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["userId", "summary"],
						"properties": {
							"userId": {"type": "string", "minLength": 1},
							"summary": {"type": "object"}
						}
					}
				}
			}
		}
	]
}`

// garminUsersSchema covers deregistrations and permission changes: a bare
// array of user entries or the same array under its Garmin envelope key
const garminUsersSchema = `{
	"$defs": {
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["userId"],
				"properties": {
					"userId": {"type": "string", "minLength": 1},
					"permissions": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	},
	"oneOf": [
		{"$ref": "#/$defs/entries"},
		{
			"type": "object",
			"minProperties": 1,
			"maxProperties": 1,
			"additionalProperties": {"$ref": "#/$defs/entries"}
		}
	]
}`

const whoopEventSchema = `{
	"type": "object",
	"required": ["user_id", "id", "type"],
	"properties": {
		"user_id": {"type": ["integer", "string"]},
		"id": {"type": ["string", "integer"]},
		"type": {"type": "string", "minLength": 1},
		"trace_id": {"type": "string"}
	}
}`

const stravaEventSchema = `{
	"type": "object",
	"required": ["object_type", "object_id", "aspect_type", "owner_id"],
	"properties": {
		"object_type": {"enum": ["activity", "athlete"]},
		"object_id": {"type": "integer"},
		"aspect_type": {"enum": ["create", "update", "delete"]},
		"owner_id": {"type": "integer"},
		"updates": {"type": "object"}
	}
}`

// payloadSchemas holds the compiled webhook schemas
type payloadSchemas struct {
	garminActivities *jsonschema.Schema
	garminUsers      *jsonschema.Schema
	whoopEvent       *jsonschema.Schema
	stravaEvent      *jsonschema.Schema
}

func compileSchemas() (*payloadSchemas, error) {
	c := jsonschema.NewCompiler()

	sources := map[string]string{
		"garmin-activities.json": garminActivitiesSchema,
		"garmin-users.json":      garminUsersSchema,
		"whoop-event.json":       whoopEventSchema,
		"strava-event.json":      stravaEventSchema,
	}
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
		}
	}

	compile := func(name string) (*jsonschema.Schema, error) {
		sch, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		return sch, nil
	}

	s := &payloadSchemas{}
	var err error
	if s.garminActivities, err = compile("garmin-activities.json"); err != nil {
		return nil, err
	}
	if s.garminUsers, err = compile("garmin-users.json"); err != nil {
		return nil, err
	}
	if s.whoopEvent, err = compile("whoop-event.json"); err != nil {
		return nil, err
	}
	if s.stravaEvent, err = compile("strava-event.json"); err != nil {
		return nil, err
	}
	return s, nil
}

// validate checks body against sch
func validate(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return sch.Validate(inst)
}
