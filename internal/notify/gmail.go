package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vipul43/adr-worker/internal/models"
)

// maxListedJobs bounds the job lines in one digest.
const maxListedJobs = 100

type GmailNotifier struct {
	to   string
	send func(ctx context.Context, msg *gmail.Message) error
}

// NewGmailNotifier authenticates with a stored refresh token and sends as the
// token's owner.
func NewGmailNotifier(ctx context.Context, clientID, clientSecret, refreshToken, to string) (*GmailNotifier, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
	tokenSource := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	gmailService, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailNotifier{
		to: to,
		send: func(ctx context.Context, msg *gmail.Message) error {
			_, err := gmailService.Users.Messages.Send("me", msg).Context(ctx).Do()
			return err
		},
	}, nil
}

// NotifyNeedsReview sends one digest listing jobs that need a human refire.
func (n *GmailNotifier) NotifyNeedsReview(ctx context.Context, jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	msg := &gmail.Message{Raw: encodeMessage(n.to, needsReviewSubject(jobs), needsReviewBody(jobs))}
	if err := n.send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	log.Printf("Sent NeedsReview notification for %d job(s) to %s", len(jobs), n.to)
	return nil
}

func needsReviewSubject(jobs []models.Job) string {
	if len(jobs) == 1 {
		return "ADR: 1 job needs review"
	}
	return fmt.Sprintf("ADR: %d jobs need review", len(jobs))
}

func needsReviewBody(jobs []models.Job) string {
	var b strings.Builder
	b.WriteString("The following document retrieval jobs exhausted their retries and need review before they can be refired.\r\n\r\n")
	for i, job := range jobs {
		if i == maxListedJobs {
			fmt.Fprintf(&b, "... and %d more\r\n", len(jobs)-maxListedJobs)
			break
		}
		reason := "no error recorded"
		if job.ErrorMessage != nil && *job.ErrorMessage != "" {
			reason = *job.ErrorMessage
		}
		fmt.Fprintf(&b, "- job %s (account %s, period ending %s, %d retries): %s\r\n",
			job.ID, job.AccountID, job.BillingPeriodEnd.Format("2006-01-02"), job.RetryCount, reason)
	}
	return b.String()
}

// encodeMessage builds an RFC 2822 plain-text message encoded the way the
// Gmail API expects it in Message.Raw.
func encodeMessage(to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}
