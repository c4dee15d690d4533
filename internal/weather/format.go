package weather

import (
	"fmt"
	"strings"
)

// Placeholder substitutes every optional upstream field that arrived empty.
const Placeholder = "Unknown"

const recordSeparator = "\n---\n"

// AlertRecord is the normalized projection of one alert: every optional
// field already carries its placeholder, so formatting is idempotent.
type AlertRecord struct {
	Event        string `json:"event"`
	Area         string `json:"area"`
	Severity     string `json:"severity"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
}

func NormalizeAlert(p AlertProperties) AlertRecord {
	return AlertRecord{
		Event:        orPlaceholder(p.Event),
		Area:         orPlaceholder(p.AreaDesc),
		Severity:     orPlaceholder(p.Severity),
		Description:  orPlaceholder(p.Description),
		Instructions: orPlaceholder(p.Instruction),
	}
}

func (r AlertRecord) Text() string {
	return fmt.Sprintf("Event: %s\nArea: %s\nSeverity: %s\nDescription: %s\nInstructions: %s",
		r.Event, r.Area, r.Severity, r.Description, r.Instructions)
}

// PeriodRecord is the normalized projection of one forecast period.
type PeriodRecord struct {
	Name        string `json:"name"`
	Temperature string `json:"temperature"`
	Wind        string `json:"wind"`
	Forecast    string `json:"forecast"`
}

func NormalizePeriod(p ForecastPeriod) PeriodRecord {
	temp := Placeholder
	if p.Temperature != nil {
		unit := p.TemperatureUnit
		if unit == "" {
			unit = "F"
		}
		temp = fmt.Sprintf("%d°%s", *p.Temperature, unit)
	}

	wind := Placeholder
	if p.WindSpeed != "" || p.WindDirection != "" {
		wind = strings.TrimSpace(orPlaceholder(p.WindSpeed) + " " + orPlaceholder(p.WindDirection))
	}

	return PeriodRecord{
		Name:        orPlaceholder(p.Name),
		Temperature: temp,
		Wind:        wind,
		Forecast:    orPlaceholder(p.DetailedForecast),
	}
}

func (r PeriodRecord) Text() string {
	return fmt.Sprintf("%s:\nTemperature: %s\nWind: %s\nForecast: %s",
		r.Name, r.Temperature, r.Wind, r.Forecast)
}

// FormatAlerts renders one text block from normalized alert records.
func FormatAlerts(records []AlertRecord) string {
	blocks := make([]string, 0, len(records))
	for _, r := range records {
		blocks = append(blocks, r.Text())
	}
	return strings.Join(blocks, recordSeparator)
}

// FormatPeriods renders one text block from normalized period records.
func FormatPeriods(records []PeriodRecord) string {
	blocks := make([]string, 0, len(records))
	for _, r := range records {
		blocks = append(blocks, r.Text())
	}
	return strings.Join(blocks, recordSeparator)
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}
