package interp

import (
	"fmt"
	"strings"
)

// actionSpec maps a workflow action onto a dispatcher call. Required and
// oneOf keys are checked after template rendering; a missing key fails
// the step without reaching the provider.
type actionSpec struct {
	app    string
	method string
	// required keys must all be present and non-blank.
	required []string
	// oneOf groups alternate key spellings; each group needs at least
	// one present, non-blank member.
	oneOf [][]string
	// build translates rendered step config into adapter arguments.
	build func(cfg map[string]any) map[string]any
}

func passthrough(keys ...[2]string) func(map[string]any) map[string]any {
	return func(cfg map[string]any) map[string]any {
		args := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := cfg[k[0]]; ok {
				args[k[1]] = v
			}
		}
		return args
	}
}

// firstOf returns the first present, non-blank value among keys.
func firstOf(cfg map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		v, ok := cfg[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func setFirst(args map[string]any, cfg map[string]any, dst string, keys ...string) {
	if v, ok := firstOf(cfg, keys...); ok {
		args[dst] = v
	}
}

// actionTable is the closed set of workflow actions.
var actionTable = map[string]actionSpec{
	"send_channel_message": {
		app: "slack", method: "postMessage",
		required: []string{"channel"},
		oneOf:    [][]string{{"message", "text", "description"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{"channel": cfg["channel"]}
			setFirst(args, cfg, "text", "message", "text", "description")
			return args
		},
	},
	"send_dm": {
		app: "slack", method: "sendDM",
		oneOf: [][]string{{"text", "message"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{}
			setFirst(args, cfg, "text", "text", "message")
			setFirst(args, cfg, "userId", "userId", "user_id", "user")
			return args
		},
	},
	"update_message": {
		app: "slack", method: "updateMessage",
		required: []string{"channel", "messageTs"},
		oneOf:    [][]string{{"text", "message"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{"channel": cfg["channel"], "messageTs": cfg["messageTs"]}
			setFirst(args, cfg, "text", "text", "message")
			return args
		},
	},
	"add_reaction": {
		app: "slack", method: "addReaction",
		required: []string{"channel", "messageTs"},
		oneOf:    [][]string{{"reactionName", "emoji"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{"channel": cfg["channel"], "messageTs": cfg["messageTs"]}
			setFirst(args, cfg, "emoji", "reactionName", "emoji")
			return args
		},
	},
	"send_email": {
		app: "gmail", method: "sendEmail",
		required: []string{"to"},
		build: passthrough(
			[2]string{"to", "to"},
			[2]string{"subject", "subject"},
			[2]string{"body", "body"},
		),
	},
	"reply_to_email": {
		app: "gmail", method: "replyToEmail",
		required: []string{"threadId"},
		oneOf:    [][]string{{"messageId", "messageIdHeader"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{"threadId": cfg["threadId"]}
			setFirst(args, cfg, "to", "to")
			setFirst(args, cfg, "subject", "subject")
			setFirst(args, cfg, "body", "body")
			setFirst(args, cfg, "messageIdHeader", "messageIdHeader", "messageId")
			return args
		},
	},
	"add_label_to_email": {
		app: "gmail", method: "addLabels",
		required: []string{"messageId", "labelIds"},
		build: passthrough(
			[2]string{"messageId", "messageId"},
			[2]string{"labelIds", "labelIds"},
		),
	},
	"star_email": {
		app: "gmail", method: "addLabels",
		required: []string{"messageId"},
		build: func(cfg map[string]any) map[string]any {
			return map[string]any{
				"messageId": cfg["messageId"],
				"labelIds":  []string{"STARRED"},
			}
		},
	},
	"create_issue": {
		app: "github", method: "createIssue",
		required: []string{"owner", "repo"},
		build: passthrough(
			[2]string{"owner", "owner"},
			[2]string{"repo", "repo"},
			[2]string{"title", "title"},
			[2]string{"body", "body"},
			[2]string{"labels", "labels"},
		),
	},
	"add_comment_to_issue": {
		app: "github", method: "addComment",
		required: []string{"owner", "repo"},
		oneOf:    [][]string{{"issue_number", "issueNumber"}, {"comment", "body"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{"owner": cfg["owner"], "repo": cfg["repo"]}
			setFirst(args, cfg, "issueNumber", "issue_number", "issueNumber")
			setFirst(args, cfg, "body", "comment", "body")
			return args
		},
	},
	"close_issue": {
		app: "github", method: "closeIssue",
		required: []string{"owner", "repo"},
		oneOf:    [][]string{{"issue_number", "issueNumber"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{"owner": cfg["owner"], "repo": cfg["repo"]}
			setFirst(args, cfg, "issueNumber", "issue_number", "issueNumber")
			return args
		},
	},
	"assign_issue": {
		app: "github", method: "assignIssue",
		required: []string{"owner", "repo", "assignees"},
		oneOf:    [][]string{{"issue_number", "issueNumber"}},
		build: func(cfg map[string]any) map[string]any {
			args := map[string]any{"owner": cfg["owner"], "repo": cfg["repo"], "assignees": cfg["assignees"]}
			setFirst(args, cfg, "issueNumber", "issue_number", "issueNumber")
			return args
		},
	},
	"send_webhook": {
		app: "webhook", method: "send",
		required: []string{"url"},
		build: passthrough(
			[2]string{"url", "url"},
			[2]string{"payload", "payload"},
		),
	},
}

// KnownAction reports whether id names a supported action.
func KnownAction(id string) bool {
	_, ok := actionTable[id]
	return ok
}

// missingConfig returns the first required key absent or blank in cfg.
func (a actionSpec) missingConfig(cfg map[string]any) string {
	for _, key := range a.required {
		if _, ok := firstOf(cfg, key); !ok {
			return key
		}
	}
	for _, group := range a.oneOf {
		if _, ok := firstOf(cfg, group...); !ok {
			return strings.Join(group, " or ")
		}
	}
	return ""
}

func (a actionSpec) String() string {
	return fmt.Sprintf("%s.%s", a.app, a.method)
}
