package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPayload is returned when a payload fails validation.
var ErrInvalidPayload = errors.New("invalid task payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields and trims surrounding whitespace.
func (p *Payload) Validate() error {
	p.RepositoryURL = strings.TrimSpace(p.RepositoryURL)
	p.Description = strings.TrimSpace(p.Description)
	p.TicketID = strings.TrimSpace(p.TicketID)
	p.BaseBranch = strings.TrimSpace(p.BaseBranch)

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ParsePayload decodes a JSON or YAML task payload and validates it.
// JSON is assumed when the document starts with '{'.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return p, fmt.Errorf("%w: empty document", ErrInvalidPayload)
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return p, fmt.Errorf("%w: decoding json: %v", ErrInvalidPayload, err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &p); err != nil {
			return p, fmt.Errorf("%w: decoding yaml: %v", ErrInvalidPayload, err)
		}
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// LoadPayload reads a payload file (.json, .yaml or .yml).
func LoadPayload(path string) (Payload, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return Payload{}, fmt.Errorf("%w: unsupported file type %q", ErrInvalidPayload, filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, fmt.Errorf("reading payload: %w", err)
	}
	return ParsePayload(data)
}
