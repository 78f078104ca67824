package intake

import "fmt"

// SessionID is the server-assigned handle of a submitted case. It is never interpreted.
type SessionID string

// Wire names of the scalar case fields.
const (
	FieldAgeIdentity     = "age_identity"
	FieldAccompIdent     = "accomp_ident"
	FieldStatusDisease   = "status_disease"
	FieldStatusCondition = "status_condition"
	FieldStatusSymptom   = "status_symptom"
	FieldProvince        = "province"
	FieldDistrict        = "district"
)

// ScalarFields lists the scalar fields in submission order.
var ScalarFields = []string{
	FieldAgeIdentity,
	FieldAccompIdent,
	FieldStatusDisease,
	FieldStatusCondition,
	FieldStatusSymptom,
	FieldProvince,
	FieldDistrict,
}

type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Attachment is one uploaded file. Records loaded back from the server only
// carry the Name.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type CaseRecord struct {
	AgeIdentity     string
	AccompIdent     string
	StatusDisease   string
	StatusCondition string
	StatusSymptom   string
	Province        string
	District        string
	Position        *Coordinate
	Files           []Attachment
}

func (r *CaseRecord) field(name string) (*string, error) {
	switch name {
	case FieldAgeIdentity:
		return &r.AgeIdentity, nil
	case FieldAccompIdent:
		return &r.AccompIdent, nil
	case FieldStatusDisease:
		return &r.StatusDisease, nil
	case FieldStatusCondition:
		return &r.StatusCondition, nil
	case FieldStatusSymptom:
		return &r.StatusSymptom, nil
	case FieldProvince:
		return &r.Province, nil
	case FieldDistrict:
		return &r.District, nil
	}
	return nil, &ValidationError{Field: name, Message: fmt.Sprintf("unknown field %q", name)}
}

// Field returns the value of the scalar field with the given wire name.
func (r CaseRecord) Field(name string) (string, error) {
	p, err := r.field(name)
	if err != nil {
		return "", err
	}
	return *p, nil
}

// FileNames lists attachment names in upload order.
func (r CaseRecord) FileNames() []string {
	names := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		names = append(names, f.Name)
	}
	return names
}

// Clone returns a deep copy so callers cannot mutate held state.
func (r CaseRecord) Clone() CaseRecord {
	out := r
	if r.Position != nil {
		pos := *r.Position
		out.Position = &pos
	}
	if r.Files != nil {
		out.Files = make([]Attachment, len(r.Files))
		for i, f := range r.Files {
			out.Files[i] = f
			if f.Data != nil {
				out.Files[i].Data = append([]byte(nil), f.Data...)
			}
		}
	}
	return out
}

func (r CaseRecord) validate() error {
	for _, name := range ScalarFields {
		v, _ := r.Field(name)
		if v == "" {
			return required(name)
		}
	}
	if len(r.Files) > MaxFiles {
		return ErrTooManyFiles
	}
	return nil
}

// RecordPatch is a record as returned by the server. Nil fields were absent
// from the response.
type RecordPatch struct {
	AgeIdentity     *string
	AccompIdent     *string
	StatusDisease   *string
	StatusCondition *string
	StatusSymptom   *string
	Province        *string
	District        *string
	Position        *Coordinate
	FileNames       []string
}

// Set marks the scalar field with the given wire name as present with value.
func (p *RecordPatch) Set(name, value string) error {
	var dst **string
	switch name {
	case FieldAgeIdentity:
		dst = &p.AgeIdentity
	case FieldAccompIdent:
		dst = &p.AccompIdent
	case FieldStatusDisease:
		dst = &p.StatusDisease
	case FieldStatusCondition:
		dst = &p.StatusCondition
	case FieldStatusSymptom:
		dst = &p.StatusSymptom
	case FieldProvince:
		dst = &p.Province
	case FieldDistrict:
		dst = &p.District
	default:
		return &ValidationError{Field: name, Message: fmt.Sprintf("unknown field %q", name)}
	}
	*dst = &value
	return nil
}

// Merge copies every present field of p onto r and leaves the rest untouched.
func (r *CaseRecord) Merge(p RecordPatch) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&r.AgeIdentity, p.AgeIdentity)
	set(&r.AccompIdent, p.AccompIdent)
	set(&r.StatusDisease, p.StatusDisease)
	set(&r.StatusCondition, p.StatusCondition)
	set(&r.StatusSymptom, p.StatusSymptom)
	set(&r.Province, p.Province)
	set(&r.District, p.District)
	if p.Position != nil {
		pos := *p.Position
		r.Position = &pos
	}
	if p.FileNames != nil {
		r.Files = make([]Attachment, 0, len(p.FileNames))
		for _, name := range p.FileNames {
			r.Files = append(r.Files, Attachment{Name: name})
		}
	}
}
