package diagnosis

import (
	"fmt"
	"strings"
)

const promptTemplate = `Eres un asistente médico especializado en diagnósticos.

El paciente presenta los siguientes síntomas:
%s

Basado en la base de datos de enfermedades raras ORPHA, estas son las posibles coincidencias:
%s

Por favor, proporciona un análisis detallado de los posibles diagnósticos, ordenados por probabilidad.
Para cada diagnóstico, explica por qué los síntomas coinciden y qué pruebas adicionales podrían ser necesarias.
`

// ContextBlock renders matches as the knowledge section of the prompt.
func ContextBlock(matches []Match) string {
	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Enfermedad: %s\nSíntomas: %s\nDescripción: %s\n", m.Name, m.Symptoms, m.Description)
	}
	return b.String()
}

// BuildPrompt fills the diagnosis template.
func BuildPrompt(symptoms string, matches []Match) string {
	return fmt.Sprintf(promptTemplate, strings.TrimSpace(symptoms), ContextBlock(matches))
}
