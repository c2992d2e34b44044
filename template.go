package taxchat

import (
	"fmt"
	"maps"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/Songmu/flextime"
)

var builtinTemplateFuncs = template.FuncMap{
	"now":            flextime.Now,
	"financialYear":  FinancialYear,
	"assessmentYear": AssessmentYear,
}

// PromptTemplateFuncs returns sprig functions plus the tax calendar helpers.
// now is backed by flextime so tests can pin the clock.
func PromptTemplateFuncs() template.FuncMap {
	ret := sprig.TxtFuncMap()
	maps.Copy(ret, builtinTemplateFuncs)
	return ret
}

// FinancialYear returns the Indian financial year containing t, e.g. "2024-25".
// The year runs from 1 April to 31 March.
func FinancialYear(t time.Time) string {
	start := t.Year()
	if t.Month() < time.April {
		start--
	}
	return fmt.Sprintf("%d-%02d", start, (start+1)%100)
}

// AssessmentYear returns the assessment year in which income of the financial
// year containing t is assessed.
func AssessmentYear(t time.Time) string {
	return FinancialYear(t.AddDate(1, 0, 0))
}
