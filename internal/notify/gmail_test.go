package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"

	"github.com/vipul43/adr-worker/internal/models"
)

func reviewJob(id string) models.Job {
	msg := "Portal unavailable"
	return models.Job{
		ID:               id,
		AccountID:        "acc-" + id,
		BillingPeriodEnd: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		RetryCount:       5,
		ErrorMessage:     &msg,
		Status:           models.JobNeedsReview,
	}
}

func TestNotifyNeedsReview(t *testing.T) {
	var sent []*gmail.Message
	n := &GmailNotifier{
		to: "ap@example.com",
		send: func(ctx context.Context, msg *gmail.Message) error {
			sent = append(sent, msg)
			return nil
		},
	}

	require.NoError(t, n.NotifyNeedsReview(context.Background(), nil))
	assert.Empty(t, sent)

	require.NoError(t, n.NotifyNeedsReview(context.Background(), []models.Job{reviewJob("j1"), reviewJob("j2")}))
	require.Len(t, sent, 1)

	raw, err := base64.URLEncoding.DecodeString(sent[0].Raw)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "To: ap@example.com\r\n")
	assert.Contains(t, text, "Subject: ADR: 2 jobs need review\r\n")
	assert.Contains(t, text, "- job j1 (account acc-j1, period ending 2024-03-31, 5 retries): Portal unavailable")
	assert.Contains(t, text, "- job j2 ")
}

func TestNotifyNeedsReview_SendError(t *testing.T) {
	n := &GmailNotifier{
		to: "ap@example.com",
		send: func(ctx context.Context, msg *gmail.Message) error {
			return errors.New("quota exceeded")
		},
	}
	err := n.NotifyNeedsReview(context.Background(), []models.Job{reviewJob("j1")})
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestNeedsReviewBody_Truncates(t *testing.T) {
	jobs := make([]models.Job, maxListedJobs+3)
	for i := range jobs {
		jobs[i] = reviewJob(fmt.Sprintf("j%d", i))
	}
	body := needsReviewBody(jobs)
	assert.Contains(t, body, "... and 3 more")
	assert.NotContains(t, body, fmt.Sprintf("job j%d ", maxListedJobs))
	assert.Equal(t, "ADR: 1 job needs review", needsReviewSubject(jobs[:1]))
}
