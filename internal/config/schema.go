package config

// configSchema is the embedded JSON Schema the "config" key of the YAML
// file is validated against before it is ever unmarshaled into a Config.
// It covers type and range checks; cross-field invariants (e.g. standby
// group name uniqueness) are left to Config.Validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["config"],
  "properties": {
    "config": {
      "type": "object",
      "additionalProperties": true,
      "properties": {
        "github_token": {"type": "string"},
        "github_repository": {"type": "string"},
        "hetzner_token": {"type": "string"},
        "ssh_key": {"type": "string"},
        "additional_ssh_keys": {"type": "array", "items": {"type": "string"}},
        "with_label": {"type": "array", "items": {"type": "string"}},
        "label_prefix": {"type": "string"},
        "meta_label": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"type": "string"}}
        },
        "recycle": {"type": "boolean"},
        "end_of_life": {"type": "integer", "minimum": 1, "maximum": 59},
        "delete_random": {"type": "boolean"},
        "max_runners": {"type": "integer", "minimum": 1},
        "max_runners_for_label": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["labels", "max"],
            "properties": {
              "labels": {"type": "array", "items": {"type": "string"}},
              "max": {"type": "integer", "minimum": 0}
            }
          }
        },
        "max_runners_in_workflow_run": {"type": "integer", "minimum": 1},
        "default_image": {"type": "string"},
        "default_server_type": {"type": "string"},
        "default_location": {"type": "string"},
        "workers": {"type": "integer", "minimum": 1},
        "scripts": {"type": "string"},
        "max_powered_off_time": {"type": "integer", "minimum": 0},
        "max_unused_runner_time": {"type": "integer", "minimum": 0},
        "max_runner_registration_time": {"type": "integer", "minimum": 0},
        "max_server_ready_time": {"type": "integer", "minimum": 0},
        "scale_up_interval": {"type": "integer", "minimum": 1},
        "scale_down_interval": {"type": "integer", "minimum": 1},
        "standby_runners": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "labels", "count"],
            "properties": {
              "name": {"type": "string"},
              "labels": {"type": "array", "items": {"type": "string"}},
              "count": {"type": "integer", "minimum": 0},
              "replenish_immediately": {"type": "boolean"}
            }
          }
        },
        "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
      }
    }
  }
}`
