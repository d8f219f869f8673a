package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuguri76/fitbit/internal/models"
)

const timeLayout = "2006-01-02 15:04"

func escape(s string) string {
	return html.EscapeString(s)
}

// formatReauth formats the notice sent when a user's job is stopped
func formatReauth(userID string, cadence models.Cadence, cause error, authURL string) string {
	var sb strings.Builder
	sb.WriteString("🔑 <b>Re-authorization required</b>\n\n")
	sb.WriteString(fmt.Sprintf("👤 <b>User:</b> <code>%s</code>\n", escape(userID)))
	sb.WriteString(fmt.Sprintf("⏱ <b>Stopped job:</b> %s\n", escape(string(cadence))))
	if cause != nil {
		sb.WriteString(fmt.Sprintf("⚠️ <b>Reason:</b> %s\n", escape(cause.Error())))
	}
	if authURL != "" {
		sb.WriteString(fmt.Sprintf("\n<a href=\"%s\">Authorize again</a>", escape(authURL)))
	}
	return sb.String()
}

// formatJobs formats the /status reply, grouped by user
func formatJobs(jobs []models.ScheduledJob, loc *time.Location) string {
	if len(jobs) == 0 {
		return "📭 <b>No collection jobs are running.</b>"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 <b>Collection jobs</b> (%d)\n", len(jobs)))

	current := ""
	for _, j := range jobs {
		if j.UserID != current {
			current = j.UserID
			sb.WriteString(fmt.Sprintf("\n👤 <code>%s</code>\n", escape(current)))
		}
		icon := "🟢"
		if j.LastError != "" {
			icon = "🟡"
		}
		next := "-"
		if !j.NextRun.IsZero() {
			next = j.NextRun.In(loc).Format(timeLayout)
		}
		sb.WriteString(fmt.Sprintf("%s %s, next %s", icon, escape(string(j.Cadence)), next))
		if j.LastError != "" {
			sb.WriteString(fmt.Sprintf(", last error: %s", escape(truncate(j.LastError, 120))))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatUsers formats the /users reply
func formatUsers(users []UserSummary, loc *time.Location) string {
	if len(users) == 0 {
		return "📭 <b>No authorized users.</b>"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("👥 <b>Authorized users</b> (%d)\n\n", len(users)))
	for _, u := range users {
		sb.WriteString(fmt.Sprintf("• <code>%s</code>: token %s old, expires %s, %d jobs\n",
			escape(u.UserID),
			formatDuration(u.TokenAge),
			u.ExpiresAt.In(loc).Format(timeLayout),
			u.Jobs,
		))
	}
	return sb.String()
}

func formatAuthLink(userID, authURL string) string {
	return fmt.Sprintf("🔗 Authorization link for <code>%s</code>:\n<a href=\"%s\">%s</a>",
		escape(userID), escape(authURL), escape(authURL))
}

func formatHelp() string {
	return `📖 <b>Available Commands</b>

/status - Show collection jobs
/users - Show authorized users and token age
/auth &lt;user_id&gt; - Build an authorization link
/help - Show this help message`
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		if minutes > 0 {
			return fmt.Sprintf("%dh %dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}
