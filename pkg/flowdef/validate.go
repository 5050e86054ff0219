package flowdef

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/ccplane/internal/assets/schemas"
)

// Validation errors
var (
	// ErrSchemaNotFound indicates an embedded schema is missing.
	ErrSchemaNotFound = errors.New("definition schema not found")

	// ErrValidationFailed indicates a definition failed schema validation.
	ErrValidationFailed = errors.New("definition validation failed")
)

// ValidationError is a single schema violation.
type ValidationError struct {
	// Path is the JSON pointer to the offending field, e.g. "/children/0/retry".
	Path    string
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "definition validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// compiled caches a validator built from an embedded schema.
type compiled struct {
	name string
	src  []byte
	once sync.Once
	v    *schema.Validator
	err  error
}

func (c *compiled) get() (*schema.Validator, error) {
	c.once.Do(func() {
		if len(c.src) == 0 {
			c.err = fmt.Errorf("%w: embedded %s schema is empty", ErrSchemaNotFound, c.name)
			return
		}
		c.v, c.err = schema.NewValidator(c.src)
		if c.err != nil {
			c.err = fmt.Errorf("failed to compile %s schema: %w", c.name, c.err)
		}
	})
	return c.v, c.err
}

var (
	flowSchema = &compiled{name: "flow", src: schemasassets.FlowSchema}
	zoneSchema = &compiled{name: "zone", src: schemasassets.ZoneSchema}
)

// ValidateFlow checks raw JSON against the flow schema.
func ValidateFlow(jsonData []byte) error {
	return validateRaw(flowSchema, jsonData)
}

// ValidateZones checks raw JSON against the zone schema.
func ValidateZones(jsonData []byte) error {
	return validateRaw(zoneSchema, jsonData)
}

func validateRaw(c *compiled, jsonData []byte) error {
	v, err := c.get()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
