// Package email sends administrator notifications via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart email with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	boundary := "brify-" + uuid.NewString()

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.sendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// SyncReport summarizes one apply run for the administrator.
type SyncReport struct {
	Owner    string
	At       time.Time
	Added    int
	Updated  int
	Removed  int
	Skipped  int
	Failures []Failure
}

type Failure struct {
	FileID string
	Name   string
	Action string
	Reason string
}

// maxReportedFailures caps the rows listed in one report.
const maxReportedFailures = 50

type syncReportData struct {
	AppName   string
	Report    SyncReport
	Failures  []Failure
	Truncated int
}

// SendSyncReport mails the report to its owner.
func (s *Service) SendSyncReport(report SyncReport) error {
	data := syncReportData{AppName: "Brify", Report: report, Failures: report.Failures}
	if len(data.Failures) > maxReportedFailures {
		data.Truncated = len(data.Failures) - maxReportedFailures
		data.Failures = data.Failures[:maxReportedFailures]
	}

	html, err := renderTemplate(syncReportTemplate, data)
	if err != nil {
		return fmt.Errorf("render sync report template: %w", err)
	}
	subject := fmt.Sprintf("Drive sync finished with %d error(s)", len(report.Failures))
	return s.SendHTMLEmail([]string{report.Owner}, subject, reportText(data), html)
}

func reportText(data syncReportData) string {
	var b strings.Builder
	r := data.Report
	fmt.Fprintf(&b, "Drive sync for %s at %s\n", r.Owner, r.At.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "added %d, updated %d, removed %d, skipped %d\n\n", r.Added, r.Updated, r.Removed, r.Skipped)
	for _, f := range data.Failures {
		fmt.Fprintf(&b, "- %s %s (%s): %s\n", f.Action, f.Name, f.FileID, f.Reason)
	}
	if data.Truncated > 0 {
		fmt.Fprintf(&b, "... and %d more\n", data.Truncated)
	}
	return b.String()
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const syncReportTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} Drive sync report</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        table { border-collapse: collapse; width: 100%; }
        td, th { border-bottom: 1px solid #eee; padding: 6px; text-align: left; font-size: 14px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Drive sync report</h2>

    <p>Account: {{.Report.Owner}}</p>
    <p>Added {{.Report.Added}}, updated {{.Report.Updated}}, removed {{.Report.Removed}}, skipped {{.Report.Skipped}}.</p>

    <table>
        <tr><th>Action</th><th>File</th><th>Reason</th></tr>
        {{range .Failures}}<tr><td>{{.Action}}</td><td>{{.Name}} ({{.FileID}})</td><td>{{.Reason}}</td></tr>
        {{end}}
    </table>
    {{if .Truncated}}<p>... and {{.Truncated}} more.</p>{{end}}

    <div class="footer">
        <p>Items with errors were still synced where possible. Running the sync again retries what is left.</p>
    </div>
</body>
</html>`
