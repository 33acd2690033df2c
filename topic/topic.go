// Package topic defines the closed set of domain event topics and the
// payload carried by each of them.
//
// Every topic has exactly one body type. Bodies implement Body, which is
// sealed: only types in this package can satisfy it, so a switch over the
// concrete body types is exhaustive.
//
//	body := topic.CommentEvent{Action: topic.CommentAdd, PostID: "p-1", CommentID: "c-1"}
//	raw, err := topic.Encode(body)
//
//	// subscriber side
//	decoded, err := topic.Decode(delivery.Topic, delivery.Body)
//	switch b := decoded.(type) {
//	case topic.CommentEvent:
//	    ...
//	}
package topic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Topic names a category of domain event.
type Topic string

const (
	// Post is published by the post service when a post is created.
	Post Topic = "post"

	// Comment is published by the comment service when a comment is added.
	Comment Topic = "comment"

	// Vote is published by the post service when a vote is cast.
	Vote Topic = "vote"
)

// Errors
var (
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrEmptyBody     = errors.New("empty event body")
	ErrTopicMismatch = errors.New("body does not belong to topic")
)

// All returns every known topic.
func All() []Topic {
	return []Topic{Post, Comment, Vote}
}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	switch t {
	case Post, Comment, Vote:
		return true
	}
	return false
}

func (t Topic) String() string { return string(t) }

// Parse converts a string into a Topic.
func Parse(s string) (Topic, error) {
	t := Topic(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, s)
	}
	return t, nil
}

// Body is the payload of a domain event. The set of implementations is
// closed to this package.
type Body interface {
	Topic() Topic
	sealed()
}

// PostAction is the action that produced a post event.
type PostAction string

// PostCreate is the only post action.
const PostCreate PostAction = "create"

// PostEvent is the body of a Post event.
type PostEvent struct {
	Action       PostAction `json:"action"`
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Timestamp    int64      `json:"timestamp"`
	ImageURL     string     `json:"imageUrl,omitempty"`
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	Description  string     `json:"description"`
	CommentCount int        `json:"commentCount"`
}

func (PostEvent) Topic() Topic { return Post }
func (PostEvent) sealed()      {}

// CommentAction is the action that produced a comment event.
type CommentAction string

// CommentAdd is the only comment action.
const CommentAdd CommentAction = "add"

// CommentEvent is the body of a Comment event.
type CommentEvent struct {
	Action        CommentAction `json:"action"`
	Timestamp     int64         `json:"timestamp"`
	PostID        string        `json:"postId"`
	PostTimestamp int64         `json:"postTimestamp"`
	CommentID     string        `json:"commentId"`
	Content       string        `json:"content"`
	CommentCount  int           `json:"commentCount"`
}

func (CommentEvent) Topic() Topic { return Comment }
func (CommentEvent) sealed()      {}

// VoteType is the direction of a vote.
type VoteType string

const (
	VoteUp   VoteType = "up"
	VoteDown VoteType = "down"
)

// VoteEvent is the body of a Vote event.
type VoteEvent struct {
	PostID   string   `json:"postId"`
	UserID   string   `json:"userId"`
	VoteType VoteType `json:"voteType"`
}

func (VoteEvent) Topic() Topic { return Vote }
func (VoteEvent) sealed()      {}

// Encode serializes a body to the JSON form carried on the bus.
func Encode(b Body) (json.RawMessage, error) {
	if b == nil {
		return nil, ErrEmptyBody
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", b.Topic(), err)
	}
	return data, nil
}

// Decode parses a raw body into the concrete type registered for t.
func Decode(t Topic, raw []byte) (Body, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmptyBody
	}

	switch t {
	case Post:
		var b PostEvent
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode post body: %w", err)
		}
		return b, nil
	case Comment:
		var b CommentEvent
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode comment body: %w", err)
		}
		return b, nil
	case Vote:
		var b VoteEvent
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode vote body: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, t)
	}
}
