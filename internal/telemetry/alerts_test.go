package telemetry

import (
	"os"
	"regexp"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const alertsPath = "../../deploy/prometheus/alerts.yml"

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

func loadAlerts(t *testing.T) []alertGroup {
	t.Helper()
	data, err := os.ReadFile(alertsPath)
	if err != nil {
		t.Skipf("Skipping test: alerts file not found at %s", alertsPath)
	}
	var cfg struct {
		Groups []alertGroup `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Invalid YAML in alerts.yml: %v", err)
	}
	if len(cfg.Groups) == 0 {
		t.Fatal("alerts.yml has no groups")
	}
	return cfg.Groups
}

func TestAlertLabels(t *testing.T) {
	for _, group := range loadAlerts(t) {
		for _, alert := range group.Rules {
			if alert.Alert == "" {
				continue
			}
			if _, ok := alert.Labels["severity"]; !ok {
				t.Errorf("Alert '%s' missing 'severity' label", alert.Alert)
			}
			if _, ok := alert.Annotations["summary"]; !ok {
				t.Errorf("Alert '%s' missing 'summary' annotation", alert.Alert)
			}
		}
	}
}

// Every metric referenced by an alert expression must be declared in metrics.go.
func TestAlertMetricsAreDeclared(t *testing.T) {
	data, err := os.ReadFile("metrics.go")
	if err != nil {
		t.Fatalf("Failed to read metrics.go: %v", err)
	}
	declared := string(data)
	metricRe := regexp.MustCompile(`airwave_[a-z_]+`)

	for _, group := range loadAlerts(t) {
		for _, alert := range group.Rules {
			for _, metric := range metricRe.FindAllString(alert.Expr, -1) {
				short := strings.TrimPrefix(metric, namespace+"_")
				if !strings.Contains(declared, `"`+short+`"`) {
					t.Errorf("alert %s references undeclared metric %s", alert.Alert, metric)
				}
			}
		}
	}
}
