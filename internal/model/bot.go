package model

import (
	"errors"
	"fmt"
	"strings"
)

type BotNodeType string

const (
	NodeOnConversationCreated BotNodeType = "on_conversation_created"
	NodeOnVisitorInactive     BotNodeType = "on_visitor_inactive"
	NodeDoSendMessage         BotNodeType = "do_send_message"
	NodeDoCloseConversation   BotNodeType = "do_close_conversation"
	NodeQuestion              BotNodeType = "question"
)

type MatcherMode string

const (
	MatcherExact    MatcherMode = "exact"
	MatcherContains MatcherMode = "contains"
)

type AcceptRule string

const (
	AcceptAll        AcceptRule = "all"
	AcceptQueuedOnly AcceptRule = "queued_only"
)

// QuestionSpec is the payload of a question node. Global questions match
// regardless of the conversation's active question base and never switch it.
type QuestionSpec struct {
	BaseID         string      `json:"base_id,omitempty"`
	Global         bool        `json:"global,omitempty"`
	Matcher        MatcherMode `json:"matcher"`
	Question       string      `json:"question"`
	Similar        []string    `json:"similar,omitempty"`
	Answer         string      `json:"answer"`
	NextBaseID     string      `json:"next_base_id,omitempty"`
	AssignOperator bool        `json:"assign_operator,omitempty"`
	Script         string      `json:"script,omitempty"`
}

type BotNode struct {
	ID   string      `json:"id"`
	Type BotNodeType `json:"type"`

	// on_visitor_inactive
	InactiveThresholdSec int `json:"inactive_threshold_seconds,omitempty"`
	RepeatIntervalSec    int `json:"repeat_interval_seconds,omitempty"`

	// do_send_message
	MessagePayload string `json:"message_payload,omitempty"`

	// question
	Question *QuestionSpec `json:"question,omitempty"`
}

type BotEdge struct {
	Source    string `json:"source"`
	SourcePin string `json:"source_pin,omitempty"`
	Target    string `json:"target"`
}

// WorkingHours is a daily window in minutes from midnight UTC.
type WorkingHours struct {
	Enabled     bool `json:"enabled"`
	StartMinute int  `json:"start_minute"`
	EndMinute   int  `json:"end_minute"`
}

type BotDefinition struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Enabled        bool          `json:"enabled"`
	AcceptRule     AcceptRule    `json:"accept_rule"`
	WorkingHours   *WorkingHours `json:"working_hours,omitempty"`
	Nodes          []BotNode     `json:"nodes"`
	Edges          []BotEdge     `json:"edges"`
	InitialBaseIDs []string      `json:"initial_base_ids,omitempty"`
	NoMatchMessage string        `json:"no_match_message,omitempty"`
}

var ErrGraphCycle = errors.New("bot graph contains a cycle")

// ValidateGraph checks node id uniqueness, edge integrity, and rejects any
// cycle. It runs once over an author-authored graph at save time; execution
// never traverses the graph recursively.
func ValidateGraph(def BotDefinition) error {
	nodes := map[string]BotNode{}
	for _, node := range def.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return fmt.Errorf("bot %s has a node with an empty id", def.ID)
		}
		if _, dup := nodes[id]; dup {
			return fmt.Errorf("bot %s has duplicate node id %s", def.ID, id)
		}
		if node.Type == NodeQuestion && node.Question == nil {
			return fmt.Errorf("bot %s question node %s is missing its question payload", def.ID, id)
		}
		nodes[id] = node
	}

	outgoing := map[string][]string{}
	for _, edge := range def.Edges {
		if _, ok := nodes[edge.Source]; !ok {
			return fmt.Errorf("bot %s edge references unknown source node %s", def.ID, edge.Source)
		}
		if _, ok := nodes[edge.Target]; !ok {
			return fmt.Errorf("bot %s edge references unknown target node %s", def.ID, edge.Target)
		}
		outgoing[edge.Source] = append(outgoing[edge.Source], edge.Target)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case inStack:
			return false
		case done:
			return true
		}
		state[id] = inStack
		for _, target := range outgoing[id] {
			if !visit(target) {
				return false
			}
		}
		state[id] = done
		return true
	}
	for id := range nodes {
		if !visit(id) {
			return ErrGraphCycle
		}
	}
	return nil
}

// OutgoingTargets returns the targets of every edge leaving the given node,
// in edge-list order.
func OutgoingTargets(edges []BotEdge, nodeID string) []string {
	var targets []string
	for _, edge := range edges {
		if edge.Source == nodeID {
			targets = append(targets, edge.Target)
		}
	}
	return targets
}

// FindNode returns the node with the given id, or false if the graph no
// longer contains it.
func FindNode(nodes []BotNode, nodeID string) (BotNode, bool) {
	for _, node := range nodes {
		if node.ID == nodeID {
			return node, true
		}
	}
	return BotNode{}, false
}
