package loadtest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed request.schema.json
var requestSchemaJSON string

var (
	requestSchemaOnce sync.Once
	requestSchema     *jsonschema.Schema
	requestSchemaErr  error
)

func compiledRequestSchema() (*jsonschema.Schema, error) {
	requestSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()

		if err := compiler.AddResource("request.json", strings.NewReader(requestSchemaJSON)); err != nil {
			requestSchemaErr = fmt.Errorf("invalid request schema: %w", err)

			return
		}

		requestSchema, requestSchemaErr = compiler.Compile("request.json")
	})

	return requestSchema, requestSchemaErr
}

// DecodeRequestJSON validates a JSON test run request against the request
// schema and decodes it.
func DecodeRequestJSON(data []byte) (*TestRunRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidRequest, err)
	}

	return decodeRequest(doc)
}

// DecodeRequestYAML accepts the same document as DecodeRequestJSON written
// as YAML.
func DecodeRequestYAML(data []byte) (*TestRunRequest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", ErrInvalidRequest, err)
	}

	// Round trip through JSON so the schema sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return DecodeRequestJSON(raw)
}

func decodeRequest(doc any) (*TestRunRequest, error) {
	schema, err := compiledRequestSchema()
	if err != nil {
		return nil, err
	}

	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidationError(verr))
		}

		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var req TestRunRequest

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &req,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return &req, nil
}

// describeValidationError flattens the leaf causes of a schema error.
func describeValidationError(err *jsonschema.ValidationError) string {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}

		return fmt.Sprintf("%s: %s", loc, err.Message)
	}

	msgs := make([]string, 0, len(err.Causes))
	for _, cause := range err.Causes {
		msgs = append(msgs, describeValidationError(cause))
	}

	return strings.Join(msgs, "; ")
}

// Validate checks the semantic constraints the schema cannot express and
// fills in defaults.
func (r *TestRunRequest) Validate() error {
	if r.TestID == "" {
		return fmt.Errorf("%w: testId is required", ErrInvalidRequest)
	}

	if len(r.Regions) == 0 {
		return fmt.Errorf("%w: at least one region is required", ErrInvalidRequest)
	}

	seen := make(map[string]struct{}, len(r.Regions))

	for i := range r.Regions {
		plan := &r.Regions[i]

		if plan.Region == "" {
			return fmt.Errorf("%w: regions[%d].region is required", ErrInvalidRequest, i)
		}

		if _, dup := seen[plan.Region]; dup {
			return fmt.Errorf("%w: region %q listed more than once", ErrInvalidRequest, plan.Region)
		}

		seen[plan.Region] = struct{}{}

		if plan.TaskCount < 0 {
			return fmt.Errorf("%w: regions[%d].taskCount must not be negative", ErrInvalidRequest, i)
		}

		if plan.Concurrency <= 0 {
			plan.Concurrency = 1
		}
	}

	if _, err := r.DurationPlan.Total(); err != nil {
		return fmt.Errorf("%w: durationPlan: %v", ErrInvalidRequest, err)
	}

	if r.WorkerSpec.Image == "" {
		return fmt.Errorf("%w: workerSpec.image is required", ErrInvalidRequest)
	}

	return nil
}
