package notify

import (
	"sort"
	"strings"
)

// Template is the subject and body for one channel type. Placeholders are
// written {{name}} and replaced literally; unknown names are left as-is.
type Template struct {
	Subject string `yaml:"subject" json:"subject"`
	Body    string `yaml:"body" json:"body"`
}

// DefaultTemplates are used for channel types without a configured template.
var DefaultTemplates = map[string]Template{
	TypeEmail: {
		Subject: "[{{severity}}] {{ruleName}}",
		Body: "Alert {{alertId}} triggered at {{triggeredAt}}.\n\n" +
			"{{message}}\n\nCurrent value: {{currentValue}}\nThreshold: {{threshold}}\n",
	},
	TypeSlack: {
		Body: "{{message}} (value {{currentValue}}, threshold {{threshold}})",
	},
	TypeTeams: {
		Subject: "metricflow alert: {{ruleName}}",
		Body:    "{{message}}<br>Value: {{currentValue}} / threshold {{threshold}}",
	},
	TypeWebhook: {
		Body: "{{message}}",
	},
}

// Render substitutes {{key}} for every key in vars.
func Render(tmpl string, vars map[string]string) string {
	if tmpl == "" || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
