package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid wraps a rejected candidate; the previously active config
// is retained by the Manager in that case.
var ErrConfigInvalid = errors.New("config: invalid")

// schemaJSON is the structural schema checked before strict decoding. It
// guards types and required fields; semantic rules live in Validate.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version"],
  "properties": {
    "schema_version": {"type": "string"},
    "enabled": {"type": "boolean"},
    "loop_interval_seconds": {"type": "integer"},
    "dwell_time_seconds": {"type": "integer"},
    "cooldown_period_seconds": {"type": "integer"},
    "oscillation_window_seconds": {"type": "integer"},
    "oscillation_limit": {"type": "integer"},
    "budget_window_seconds": {"type": "integer"},
    "sufficiency": {
      "type": "object",
      "properties": {
        "min_samples": {"type": "integer"},
        "bucket_coverage_pct": {"type": "number"},
        "staleness_window_seconds": {"type": "integer"}
      }
    },
    "subsystems": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subsystem_id"],
        "properties": {
          "subsystem_id": {"type": "string"},
          "latency_enter_ms": {"type": "number"},
          "latency_exit_ms": {"type": "number"},
          "queue_depth_enter": {"type": "number"},
          "queue_depth_exit": {"type": "number"},
          "slo_target": {"type": "number"},
          "burn_rate_threshold": {"type": "number"}
        }
      }
    },
    "allowlist": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tenant_id", "endpoint_class", "subsystem_id"],
        "properties": {
          "tenant_id": {"type": "string"},
          "endpoint_class": {"type": "string"},
          "subsystem_id": {"type": "string"}
        }
      }
    },
    "telemetry_queries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr"],
        "properties": {
          "name": {"type": "string"},
          "expr": {"type": "string"},
          "expected_hash": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("guardrail-config.schema.json", schemaJSON)

// Load reads a YAML config file, checks it against the structural schema
// and the supported schema-version range, applies env overrides and
// defaults, and runs semantic validation. Any failure yields
// ErrConfigInvalid; the caller keeps whatever config was active before.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read, for tests and the reload endpoint.
func Parse(data []byte) (*Config, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfigInvalid, err)
	}

	if err := checkSchemaVersion(cfg.SchemaVersion); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if violations := cfg.Validate(); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %d violation(s), first: %s", ErrConfigInvalid, len(violations), violations[0])
	}
	return cfg, nil
}

// checkSchema validates the raw document structurally. The YAML tree is
// round-tripped through JSON so the validator sees JSON-typed values.
func checkSchema(data []byte) error {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("%w: parse yaml: %v", ErrConfigInvalid, err)
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("%w: normalize: %v", ErrConfigInvalid, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: normalize: %v", ErrConfigInvalid, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema: %v", ErrConfigInvalid, err)
	}
	return nil
}

func checkSchemaVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: schema_version %q: %v", ErrConfigInvalid, version, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchemaRange)
	if err != nil {
		return fmt.Errorf("config: bad supported range: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: schema_version %s outside supported range %s", ErrConfigInvalid, version, SupportedSchemaRange)
	}
	return nil
}

// applyEnvOverrides lets deployment tooling flip a few operational knobs
// without editing the config file. The enabled flag can only be forced off
// this way, never on; enabling requires an explicit config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GUARDRAIL_DISABLED"); v == "true" || v == "1" {
		cfg.Enabled = false
	}
	if v := os.Getenv("GUARDRAIL_LOOP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LoopIntervalSeconds = n
		}
	}
}
