package shadow

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/maps"
)

// the authoritative reported/desired record for one device.
// `Version` increases by exactly 1 on every accepted mutation of either
// section, so subscribers can detect missed updates by version gap.
type ShadowDocument struct {
	DeviceId   string         `json:"deviceId"`
	Version    uint64         `json:"version"`
	Reported   map[string]any `json:"reported"`
	Desired    map[string]any `json:"desired"`
	ReportedAt time.Time      `json:"reportedAt"`
	DesiredAt  time.Time      `json:"desiredAt"`
}

func newShadowDocument(deviceId string) *ShadowDocument {
	return &ShadowDocument{
		DeviceId: deviceId,
		Version:  0,
		Reported: map[string]any{},
		Desired:  map[string]any{},
	}
}

func (self *ShadowDocument) Copy() *ShadowDocument {
	doc := &ShadowDocument{
		DeviceId:   self.DeviceId,
		Version:    self.Version,
		Reported:   maps.Clone(self.Reported),
		Desired:    maps.Clone(self.Desired),
		ReportedAt: self.ReportedAt,
		DesiredAt:  self.DesiredAt,
	}
	return doc
}

// the two independently mutable sections of a shadow document
type Section int

const (
	SectionReported Section = iota
	SectionDesired
)

func (self Section) String() string {
	switch self {
	case SectionReported:
		return "reported"
	case SectionDesired:
		return "desired"
	default:
		return fmt.Sprintf("section(%d)", int(self))
	}
}

// a merge-patch value: either a scalar (string, bool, or number) or the
// explicit null marker that removes the key. the zero value is invalid,
// which keeps "null removes the key" a closed, checkable rule instead of
// an open-ended dynamic type.
type PatchValue struct {
	null   bool
	scalar any
}

func Null() PatchValue {
	return PatchValue{null: true}
}

func String(value string) PatchValue {
	return PatchValue{scalar: value}
}

func Number(value float64) PatchValue {
	return PatchValue{scalar: value}
}

func Bool(value bool) PatchValue {
	return PatchValue{scalar: value}
}

// normalizes supported dynamic values into a patch value
func ScalarValue(value any) (PatchValue, error) {
	switch v := value.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case int:
		return Number(float64(v)), nil
	case int32:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case uint64:
		return Number(float64(v)), nil
	default:
		return PatchValue{}, &ValidationError{
			Reason: fmt.Sprintf("unsupported value type %T", value),
		}
	}
}

func (self PatchValue) IsNull() bool {
	return self.null
}

func (self PatchValue) Scalar() any {
	return self.scalar
}

func (self PatchValue) validate(field string) error {
	if self.null {
		return nil
	}
	switch self.scalar.(type) {
	case string, bool, float64:
		return nil
	default:
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("unsupported value type %T", self.scalar),
		}
	}
}

func (self PatchValue) MarshalJSON() ([]byte, error) {
	if self.null {
		return []byte("null"), nil
	}
	return json.Marshal(self.scalar)
}

func (self *PatchValue) UnmarshalJSON(src []byte) error {
	var value any
	if err := json.Unmarshal(src, &value); err != nil {
		return err
	}
	switch value.(type) {
	case map[string]any, []any:
		return &ValidationError{
			Reason: "nested values are not supported",
		}
	}
	patchValue, err := ScalarValue(value)
	if err != nil {
		return err
	}
	*self = patchValue
	return nil
}

// a merge patch over one section: present keys overwrite, null deletes,
// absent keys are untouched. deltas use the same shape, so a delta can be
// re-applied to a stale copy of the section.
type Patch map[string]PatchValue

func (self Patch) validate() error {
	for field, value := range self {
		if err := value.validate(field); err != nil {
			return err
		}
	}
	return nil
}

// applies the patch to the section in place and returns exactly the keys
// whose stored value changed
func applyMergePatch(section map[string]any, patch Patch) Patch {
	delta := Patch{}
	for field, value := range patch {
		if value.IsNull() {
			if _, ok := section[field]; ok {
				delete(section, field)
				delta[field] = Null()
			}
		} else {
			if current, ok := section[field]; !ok || current != value.Scalar() {
				section[field] = value.Scalar()
				delta[field] = value
			}
		}
	}
	return delta
}
