package diagnosis

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

// Field names and limits of the diseases collection.
const (
	FieldID          = "id"
	FieldCode        = "code"
	FieldName        = "name"
	FieldSymptoms    = "symptoms"
	FieldDescription = "description"
	FieldEmbedding   = "embedding"

	maxCodeLen = 100
	maxNameLen = 500
	maxTextLen = 10000

	DefaultNList = 1024
)

// OutputFields are returned with every match.
var OutputFields = []string{FieldCode, FieldName, FieldSymptoms, FieldDescription}

// Descriptor is the diseases collection schema for embeddings of size dim.
func Descriptor(name string, dim int) vectorstore.CollectionDescriptor {
	return vectorstore.CollectionDescriptor{
		Name:        name,
		Description: "ORPHA rare disease catalogue",
		Fields: []vectorstore.FieldSchema{
			{Name: FieldID, Type: vectorstore.FieldInt64, PrimaryKey: true, AutoID: true},
			{Name: FieldCode, Type: vectorstore.FieldVarChar, MaxLength: maxCodeLen},
			{Name: FieldName, Type: vectorstore.FieldVarChar, MaxLength: maxNameLen},
			{Name: FieldSymptoms, Type: vectorstore.FieldVarChar, MaxLength: maxTextLen},
			{Name: FieldDescription, Type: vectorstore.FieldVarChar, MaxLength: maxTextLen},
			{Name: FieldEmbedding, Type: vectorstore.FieldFloatVector, Dim: dim},
		},
	}
}

// IndexSpec is the L2 IVF_FLAT index over the embedding field.
func IndexSpec() vectorstore.IndexSpec {
	return vectorstore.IndexSpec{
		Field:  FieldEmbedding,
		Metric: vectorstore.MetricL2,
		Kind:   vectorstore.IndexIVFFlat,
		Params: map[string]any{"nlist": DefaultNList},
	}
}

// Record is one disease as imported from JSON.
type Record struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Symptoms    string `json:"symptoms"`
	Description string `json:"description"`
}

// Text is what gets embedded for a record.
func (r Record) Text() string {
	return strings.TrimSpace(r.Name + " " + r.Symptoms + " " + r.Description)
}

func (r Record) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("record %q: name is required", r.Code)
	}
	return nil
}

// fields truncates values to the column limits.
func (r Record) fields() map[string]any {
	return map[string]any{
		FieldCode:        truncate(r.Code, maxCodeLen),
		FieldName:        truncate(r.Name, maxNameLen),
		FieldSymptoms:    truncate(r.Symptoms, maxTextLen),
		FieldDescription: truncate(r.Description, maxTextLen),
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ReadRecords decodes a JSON array of records.
func ReadRecords(r io.Reader) ([]Record, error) {
	var out []Record
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return out, nil
}

// SampleRecords is a small built-in catalogue for trying the system
// without the ORPHA export.
func SampleRecords() []Record {
	return []Record{
		{
			Code:        "ORPHA:166024",
			Name:        "Síndrome de Marfan",
			Symptoms:    "Aracnodactilia, Escoliosis, Hiperlaxitud articular, Prolapso de la válvula mitral, Dilatación aórtica",
			Description: "El síndrome de Marfan es un trastorno sistémico del tejido conectivo, caracterizado por una combinación variable de manifestaciones cardiovasculares, músculo-esqueléticas, oftalmológicas y pulmonares.",
		},
		{
			Code:        "ORPHA:98896",
			Name:        "Enfermedad de Huntington",
			Symptoms:    "Corea, Deterioro cognitivo, Trastornos psiquiátricos, Distonía, Rigidez",
			Description: "La enfermedad de Huntington es un trastorno neurodegenerativo progresivo caracterizado por movimientos coreicos involuntarios, deterioro cognitivo y trastornos psiquiátricos.",
		},
		{
			Code:        "ORPHA:586",
			Name:        "Hemofilia A",
			Symptoms:    "Hemartrosis, Hematomas, Sangrado prolongado, Hemorragia intracraneal, Hematuria",
			Description: "La hemofilia A es un trastorno hemorrágico hereditario causado por la deficiencia del factor VIII de coagulación.",
		},
		{
			Code:        "ORPHA:93552",
			Name:        "Esclerosis lateral amiotrófica",
			Symptoms:    "Debilidad muscular, Fasciculaciones, Espasticidad, Disfagia, Disartria",
			Description: "La esclerosis lateral amiotrófica es una enfermedad neurodegenerativa caracterizada por la degeneración progresiva de las neuronas motoras en la corteza cerebral, tronco del encéfalo y médula espinal.",
		},
		{
			Code:        "ORPHA:98473",
			Name:        "Síndrome de Guillain-Barré",
			Symptoms:    "Debilidad muscular ascendente, Arreflexia, Parestesias, Dolor, Disfunción autonómica",
			Description: "El síndrome de Guillain-Barré es una polineuropatía inflamatoria aguda caracterizada por debilidad muscular rápidamente progresiva que comienza en las extremidades inferiores y asciende.",
		},
	}
}
