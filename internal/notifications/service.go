package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

const listingBaseURL = "https://es.wallapop.com/item/"

// Service handles sending notifications via various channels
type Service struct {
	config *config.Config
	client *resty.Client
	send   func(m *gomail.Message) error
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewService creates a new notification service
func NewService(cfg *config.Config) *Service {
	s := &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
	}
	s.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
		return d.DialAndSend(m)
	}
	return s
}

// SendReport sends a cycle report via configured notification channels
func (s *Service) SendReport(ctx context.Context, report *models.Report) error {
	subject := reportSubject(report)

	htmlBody, err := buildReportHTML(report)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}

	return s.dispatch(ctx, buildTeamsReport(report), subject, buildReportText(report), htmlBody)
}

// SendAlert sends an urgent alert notification
func (s *Service) SendAlert(ctx context.Context, alert *models.Alert) error {
	logrus.Warnf("Alert %s: %s - %s", alert.Type, alert.Title, alert.Message)

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Type), alert.Title)
	return s.dispatch(ctx, buildTeamsAlert(alert), subject, buildAlertText(alert), "")
}

func (s *Service) dispatch(ctx context.Context, card *TeamsMessage, subject, textBody, htmlBody string) error {
	var errors []string

	if s.config.TeamsWebhookURL != "" {
		if err := s.sendToTeams(ctx, card); err != nil {
			logrus.Errorf("Failed to send Teams notification: %v", err)
			errors = append(errors, fmt.Sprintf("Teams: %v", err))
		} else {
			logrus.Infof("Sent %q to Teams", subject)
		}
	}

	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(subject, textBody, htmlBody); err != nil {
			logrus.Errorf("Failed to send email notification: %v", err)
			errors = append(errors, fmt.Sprintf("Email: %v", err))
		} else {
			logrus.Infof("Sent %q via email", subject)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (s *Service) sendToTeams(ctx context.Context, message *TeamsMessage) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.TeamsWebhookURL)

	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}

func (s *Service) sendEmail(subject, textBody, htmlBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)
	if htmlBody != "" {
		m.AddAlternative("text/html", htmlBody)
	}

	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

func reportSubject(report *models.Report) string {
	summary := report.Summary
	return fmt.Sprintf("Wallapop risk cycle %s - %d scored, %d high risk",
		summary.Status, summary.Scored, len(report.HighRisk))
}

// summaryFacts lists the cycle counters shown in every report channel
func summaryFacts(summary *models.CycleSummary) []TeamsFact {
	facts := []TeamsFact{
		{Name: "Cycle", Value: summary.CycleID},
		{Name: "Status", Value: summary.Status},
		{Name: "Fetched", Value: fmt.Sprintf("%d", summary.Fetched)},
		{Name: "Normalized", Value: fmt.Sprintf("%d", summary.Normalized)},
		{Name: "Excluded", Value: fmt.Sprintf("%d", summary.Excluded)},
		{Name: "Duplicates", Value: fmt.Sprintf("%d", summary.Duplicates)},
		{Name: "Scored", Value: fmt.Sprintf("%d", summary.Scored)},
		{Name: "Accepted", Value: fmt.Sprintf("%d", summary.Accepted)},
		{Name: "Skipped", Value: fmt.Sprintf("%d", len(summary.Skipped))},
		{Name: "Failed", Value: fmt.Sprintf("%d", len(summary.Failed))},
	}

	tiers := make([]string, 0, len(summary.TierCounts))
	for tier := range summary.TierCounts {
		tiers = append(tiers, string(tier))
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		facts = append(facts, TeamsFact{
			Name:  fmt.Sprintf("Tier %s", tier),
			Value: fmt.Sprintf("%d", summary.TierCounts[models.Tier(tier)]),
		})
	}

	if summary.AbortReason != "" {
		facts = append(facts, TeamsFact{Name: "Abort reason", Value: summary.AbortReason})
	}
	return facts
}

func listingURL(l models.HighRiskListing) string {
	if l.WebSlug == "" {
		return ""
	}
	return listingBaseURL + l.WebSlug
}

func buildTeamsReport(report *models.Report) *TeamsMessage {
	summary := report.Summary
	message := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: "13C1AC",
		Title:      reportSubject(report),
		Text: fmt.Sprintf("Cycle started %s, finished %s",
			summary.StartedAt.Format("2006-01-02 15:04:05 UTC"),
			summary.FinishedAt.Format("15:04:05 UTC")),
		Sections: []TeamsSection{{
			ActivityTitle: "Summary",
			Facts:         summaryFacts(summary),
			Markdown:      true,
		}},
	}

	if len(report.HighRisk) > 0 {
		limit := 5
		if len(report.HighRisk) < limit {
			limit = len(report.HighRisk)
		}

		var lines []string
		for _, l := range report.HighRisk[:limit] {
			title := l.Title
			if url := listingURL(l); url != "" {
				title = fmt.Sprintf("[%s](%s)", l.Title, url)
			}
			lines = append(lines, fmt.Sprintf("**%s** - %s EUR, score %.0f", title, l.Price, l.Score))
		}

		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle: "High risk listings",
			ActivityText:  strings.Join(lines, "\n\n"),
			Markdown:      true,
		})
	}

	return message
}

func buildTeamsAlert(alert *models.Alert) *TeamsMessage {
	color := "605E5C"
	switch alert.Type {
	case "critical":
		color = "D13438"
	case "urgent":
		color = "FF8C00"
	}

	message := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: color,
		Title:      alert.Title,
		Text:       alert.Message,
	}
	if alert.CycleID != "" {
		message.Sections = []TeamsSection{{
			Facts: []TeamsFact{
				{Name: "Cycle", Value: alert.CycleID},
				{Name: "Raised", Value: alert.CreatedAt.Format("2006-01-02 15:04:05 UTC")},
			},
		}}
	}
	return message
}

var reportTemplate = template.Must(template.New("email").Funcs(template.FuncMap{
	"url": listingURL,
}).Parse(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Wallapop Risk Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #13c1ac; color: white; padding: 20px; border-radius: 5px; }
        .summary { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
        .listing { border-left: 4px solid #d13438; padding: 10px; margin: 10px 0; background-color: #fafafa; }
        .listing-meta { color: #666; font-size: 0.9em; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Wallapop Risk Report</h1>
        <p>Cycle {{.Summary.CycleID}} generated on {{.GeneratedAt.Format "January 2, 2006 at 3:04 PM UTC"}}</p>
    </div>

    <div class="summary">
        <h2>Summary</h2>
        {{range .Facts}}<p><strong>{{.Name}}:</strong> {{.Value}}</p>
        {{end}}
    </div>

    {{if .HighRisk}}
    <h2>High risk listings</h2>
    {{range $index, $l := .HighRisk}}
        {{if lt $index 10}}
        <div class="listing">
            <div>{{with url $l}}<a href="{{.}}" target="_blank">{{$l.Title}}</a>{{else}}{{$l.Title}}{{end}}</div>
            <div class="listing-meta">{{$l.Price}} EUR | score {{printf "%.0f" $l.Score}} | {{$l.Tier}}</div>
        </div>
        {{end}}
    {{end}}
    {{end}}
</body>
</html>
`))

func buildReportHTML(report *models.Report) (string, error) {
	data := struct {
		*models.Report
		Facts []TeamsFact
	}{report, summaryFacts(report.Summary)}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildReportText(report *models.Report) string {
	var text strings.Builder

	text.WriteString(reportSubject(report) + "\n")
	text.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 UTC")))

	text.WriteString("SUMMARY\n")
	text.WriteString("=======\n")
	for _, fact := range summaryFacts(report.Summary) {
		text.WriteString(fmt.Sprintf("%s: %s\n", fact.Name, fact.Value))
	}

	if len(report.HighRisk) > 0 {
		text.WriteString("\nHIGH RISK LISTINGS\n")
		text.WriteString("==================\n")

		for i, l := range report.HighRisk {
			if i == 10 {
				break
			}
			text.WriteString(fmt.Sprintf("\n%d. %s\n", i+1, l.Title))
			text.WriteString(fmt.Sprintf("   Price: %s EUR | Score: %.0f | Tier: %s\n", l.Price, l.Score, l.Tier))
			if url := listingURL(l); url != "" {
				text.WriteString(fmt.Sprintf("   URL: %s\n", url))
			}
		}
	}

	return text.String()
}

func buildAlertText(alert *models.Alert) string {
	var text strings.Builder
	text.WriteString(alert.Title + "\n\n")
	text.WriteString(alert.Message + "\n")
	if alert.CycleID != "" {
		text.WriteString(fmt.Sprintf("\nCycle: %s\n", alert.CycleID))
	}
	text.WriteString(fmt.Sprintf("Raised: %s\n", alert.CreatedAt.Format("2006-01-02 15:04:05 UTC")))
	return text.String()
}
