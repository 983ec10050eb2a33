// Package models defines the records shared by the engine, the storage
// providers and the HTTP API.
package models

import "time"

// Flow is the metadata of a user-designed workflow
type Flow struct {
	// ID of the flow
	ID string `json:"id"`

	// WorkspaceID scopes the flow to a workspace
	WorkspaceID string `json:"workspace_id"`

	// Name of the flow
	Name string `json:"name"`

	// Description of the flow
	Description string `json:"description,omitempty"`

	// CreatedAt is when the flow was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the flow was last updated
	UpdatedAt time.Time `json:"updated_at"`
}

// Diagram is the node/edge document owned by a flow
type Diagram struct {
	// FlowID is the owning flow
	FlowID string `json:"flow_id"`

	// WorkspaceID mirrors the owning flow's workspace
	WorkspaceID string `json:"workspace_id,omitempty"`

	// Nodes in editor order
	Nodes []Node `json:"nodes"`

	// Edges in editor order
	Edges []Edge `json:"edges"`

	// UpdatedAt is when the diagram was last saved
	UpdatedAt time.Time `json:"updated_at"`
}

// Position is the editor canvas position of a node. The engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single typed step of a diagram.
//
// Data is kept as a free-form document so that unknown keys survive a
// load/save cycle; executors decode the fields they understand.
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Disabled bool                   `json:"disabled,omitempty"`
	Position *Position              `json:"position,omitempty"`
}

// ResolveType returns the node's effective type: data.type, data.nodeType,
// node.type, then "unknown".
func (n Node) ResolveType() string {
	if t, ok := n.Data["type"].(string); ok && t != "" {
		return t
	}
	if t, ok := n.Data["nodeType"].(string); ok && t != "" {
		return t
	}
	if n.Type != "" {
		return n.Type
	}
	return NodeTypeUnknown
}

// IsDisabled reports whether the node is switched off in the editor
func (n Node) IsDisabled() bool {
	if n.Disabled {
		return true
	}
	disabled, _ := n.Data["disabled"].(bool)
	return disabled
}

// Edge is a directed connection between two nodes
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// FindNode returns the node with the given id
func (d *Diagram) FindNode(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// FindByType returns the first node whose resolved type is nodeType
func (d *Diagram) FindByType(nodeType string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ResolveType() == nodeType {
			return n, true
		}
	}
	return Node{}, false
}

// Next returns the target of the first edge leaving nodeID. Dangling edges
// count as no next node.
func (d *Diagram) Next(nodeID string) (Node, bool) {
	for _, e := range d.Edges {
		if e.Source == nodeID {
			return d.FindNode(e.Target)
		}
	}
	return Node{}, false
}

// Node types understood by the engine
const (
	NodeTypeStart           = "start"
	NodeTypeWebhookTrigger  = "webhook_trigger"
	NodeTypeScheduleTrigger = "schedule_trigger"
	NodeTypeRespondWebhook  = "respond_webhook"
	NodeTypeHTTPRequest     = "http_request"
	NodeTypeHTTP            = "http"
	NodeTypeSendEmail       = "send_email"
	NodeTypeIf              = "if"
	NodeTypeLog             = "log"
	NodeTypeExecutionData   = "execution_data"
	NodeTypeWait            = "wait"
	NodeTypeDelay           = "delay"
	NodeTypeStopError       = "stop_error"
	NodeTypeStop            = "stop"
	NodeTypeFormatter       = "formatter"
	NodeTypeJSONFormatter   = "json_formatter"
	NodeTypeTextFormatter   = "text_formatter"
	NodeTypeJSONParse       = "json_parse"
	NodeTypeJSONStringify   = "json_stringify"
	NodeTypeNumberFormatter = "number_formatter"
	NodeTypeSetFields       = "set_fields"
	NodeTypeSet             = "set"
	NodeTypeUnknown         = "unknown"
)
