// Package crossref extracts references to people from chat message text.
package crossref

import "regexp"

// userMentionPattern matches Slack user mentions (e.g., <@U123>, <@W9|ada>).
var userMentionPattern = regexp.MustCompile(`<@([UW][A-Z0-9]+)(?:\|[^>]*)?>`)

// groupMentionPattern matches Slack user group mentions
// (e.g., <!subteam^S123>, <!subteam^S123|@oncall>).
var groupMentionPattern = regexp.MustCompile(`<!subteam\^([A-Z0-9]+)(?:\|[^>]*)?>`)

// Mentions holds the ids referenced by one message.
type Mentions struct {
	Users  []string
	Groups []string
}

// IsEmpty reports whether the message mentions nobody.
func (m Mentions) IsEmpty() bool {
	return len(m.Users) == 0 && len(m.Groups) == 0
}

// ExtractMentions returns the user and user-group ids mentioned in text,
// each deduplicated in order of first occurrence.
func ExtractMentions(text string) Mentions {
	return Mentions{
		Users:  extract(userMentionPattern, text),
		Groups: extract(groupMentionPattern, text),
	}
}

func extract(re *regexp.Regexp, text string) []string {
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		result = append(result, m[1])
	}
	return result
}

// Recipients merges direct mentions with expanded group members, drops
// exclude (the sender) and deduplicates, keeping first-occurrence order.
func Recipients(users []string, groupMembers [][]string, exclude string) []string {
	seen := map[string]bool{exclude: true}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	for _, u := range users {
		add(u)
	}
	for _, members := range groupMembers {
		for _, u := range members {
			add(u)
		}
	}
	return out
}
