package scheduler

import (
	"regexp"
	"strings"
	"time"

	"github.com/taskforge/daemon/internal/githubclient"
)

// priorityLabelValues maps a recognized "priority:*" label to a base
// priority score, per spec §4.5's literal label->priority table.
var priorityLabelValues = map[string]int{
	"priority:urgent": 100,
	"priority:high":   75,
	"priority:normal":  50,
	"priority:low":     25,
}

// labelBasedPriority inspects an issue's labels for a recognized
// "priority:*" label, falling back to the project's configured
// BasePriority when none is present.
func labelBasedPriority(labels []string, projectBasePriority int) int {
	for _, l := range labels {
		if v, ok := priorityLabelValues[strings.ToLower(l)]; ok {
			return v
		}
	}
	return projectBasePriority
}

// ageBoost rewards issues that have sat untouched, so old work doesn't
// get perpetually crowded out by a stream of fresh issues: +10 past 7
// days, +10 more (20 total) past 14 days (spec §4.5).
func ageBoost(updatedAt time.Time, now time.Time) int {
	age := now.Sub(updatedAt)
	switch {
	case age > 14*24*time.Hour:
		return 20
	case age > 7*24*time.Hour:
		return 10
	default:
		return 0
	}
}

// actionableCommentPattern recognizes both the slash-command directives
// this daemon itself emits in follow-up comments (so a human can trigger
// another pass without retyping a request) and the natural-language
// action keywords "please", "fix" and "implement". An explicit @mention
// of the bot account is not part of this pattern; isActionableComment
// checks for it separately.
var actionableCommentPattern = regexp.MustCompile(`(?i)(^|\s)/(retry|review|fix|continue)\b|\b(please|fix|implement)\b`)

// isActionableComment reports whether a comment body contains a
// recognized trigger directive or action keyword (spec §4.5 comment
// filtering), and isn't itself written by the daemon's own bot account
// (avoids self-triggering loops on the daemon's own follow-up comments).
func isActionableComment(body, author, botAccount string) bool {
	if botAccount != "" && strings.EqualFold(author, botAccount) {
		return false
	}
	if actionableCommentPattern.MatchString(body) {
		return true
	}
	return botAccount != "" && strings.Contains(strings.ToLower(body), "@"+strings.ToLower(botAccount))
}

// isEligiblePullRequest filters out draft and stale pull requests (spec
// §4.1 PR filtering). A PR is stale once it has gone maxAge without any
// update.
func isEligiblePullRequest(pr githubclient.PullRequest, now time.Time, maxAge time.Duration) bool {
	if pr.Draft {
		return false
	}
	if maxAge > 0 && now.Sub(pr.UpdatedAt) > maxAge {
		return false
	}
	return true
}

var deadlinePattern = regexp.MustCompile(`(?i)deadline:\s*(\d{4}-\d{2}-\d{2})`)

// deadlineFromBody extracts an optional "deadline: YYYY-MM-DD" directive
// from an issue/comment/PR body (spec §4.5), interpreted as end-of-day UTC
// on the given date.
func deadlineFromBody(body string) (time.Time, bool) {
	m := deadlinePattern.FindStringSubmatch(body)
	if m == nil {
		return time.Time{}, false
	}
	d, err := time.Parse("2006-01-02", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return d.Add(24*time.Hour - time.Nanosecond), true
}

func hasExcludedLabel(labels, excluded []string) bool {
	for _, l := range labels {
		for _, ex := range excluded {
			if strings.EqualFold(l, ex) {
				return true
			}
		}
	}
	return false
}
