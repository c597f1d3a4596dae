package sim

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDescription = errors.New("sim: invalid robot description")

// Description is the static layout of a robot: its joints and the axes
// exposed to clients.
type Description struct {
	ID     string   `yaml:"id" cbor:"id"`
	Joints []string `yaml:"joints" cbor:"joints"`
	Axes   []string `yaml:"axes" cbor:"axes"`
}

// DefaultDescription is used when no description file is configured.
func DefaultDescription() Description {
	return Description{
		ID:     "sim-robot",
		Joints: []string{"shoulder", "elbow"},
		Axes:   []string{"shoulder", "elbow"},
	}
}

func (d Description) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDescription)
	}
	if len(d.Joints) == 0 {
		return fmt.Errorf("%w: at least one joint is required", ErrInvalidDescription)
	}
	seen := make(map[string]struct{}, len(d.Joints))
	for _, j := range d.Joints {
		if strings.TrimSpace(j) == "" {
			return fmt.Errorf("%w: empty joint name", ErrInvalidDescription)
		}
		if _, dup := seen[j]; dup {
			return fmt.Errorf("%w: duplicate joint %q", ErrInvalidDescription, j)
		}
		seen[j] = struct{}{}
	}
	for _, a := range d.Axes {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: empty axis name", ErrInvalidDescription)
		}
	}
	return nil
}

// ParseDescription decodes a YAML description. Unknown keys are rejected.
func ParseDescription(data []byte) (Description, error) {
	var d Description
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Description{}, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	if err := d.Validate(); err != nil {
		return Description{}, err
	}
	return d, nil
}

func LoadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("sim: read description: %w", err)
	}
	return ParseDescription(data)
}

// infoEncMode produces identical bytes for identical descriptions.
var infoEncMode cbor.EncMode

func init() {
	var err error
	infoEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sim: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeInfo renders d as the GetInfo blob.
func EncodeInfo(d Description) ([]byte, error) {
	return infoEncMode.Marshal(d)
}

// DecodeInfo parses a GetInfo blob produced by EncodeInfo.
func DecodeInfo(b []byte) (Description, error) {
	var d Description
	if err := cbor.Unmarshal(b, &d); err != nil {
		return Description{}, fmt.Errorf("sim: decode info: %w", err)
	}
	return d, nil
}
