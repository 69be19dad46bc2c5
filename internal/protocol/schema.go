package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Inbound message types and the schema each must satisfy.
var schemaFiles = map[string]string{
	TypeHello:     "hello.schema.json",
	TypeExplosion: "explosion.schema.json",
	TypeCommand:   "command.schema.json",
	TypeSubscribe: "subscribe.schema.json",
}

var ErrUnsupportedType = errors.New("unsupported message type")

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range schemaFiles {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaURL(name), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.schemas[typ] = s
	}
	return v, nil
}

func schemaURL(name string) string { return "mem://blastguard/schemas/" + name }

var defaultValidator = sync.OnceValues(NewValidator)

// Validate decodes the envelope of raw and checks it against the schema for
// its type. The envelope is returned even when validation fails so callers can
// echo the request id.
func Validate(raw []byte) (BaseMessage, error) {
	v, err := defaultValidator()
	if err != nil {
		return BaseMessage{}, err
	}
	return v.Validate(raw)
}

func (v *Validator) Validate(raw []byte) (BaseMessage, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return BaseMessage{}, fmt.Errorf("decode: %w", err)
	}
	base, err := DecodeBase(raw)
	if err != nil {
		return BaseMessage{}, fmt.Errorf("decode: %w", err)
	}
	s, ok := v.schemas[base.Type]
	if !ok {
		return base, fmt.Errorf("%w: %q", ErrUnsupportedType, base.Type)
	}
	if err := s.Validate(doc); err != nil {
		return base, err
	}
	return base, nil
}
