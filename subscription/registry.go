// Package subscription holds the static routing table from topics to the
// destinations subscribed to them.
//
// The table is built once at startup and never changes afterwards. There is
// no runtime registration or deregistration.
//
//	reg := subscription.Default()
//	for _, dest := range reg.SubscribersFor(topic.Comment) {
//	    ...
//	}
//
// A table can also be loaded from YAML:
//
//	subscriptions:
//	  post: [feedServiceEventHandler, demoSubscriber]
//	  comment: [demoSubscriber, postServiceEventHandler]
package subscription

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/camtittle/photosharing-eventbus/topic"
	"gopkg.in/yaml.v3"
)

// Destination names of the services shipped with the photosharing backend.
const (
	FeedService    = "feedServiceEventHandler"
	PostService    = "postServiceEventHandler"
	DemoSubscriber = "demoSubscriber"
)

// Subscription is a single (topic, destination) pair.
type Subscription struct {
	Topic       topic.Topic
	Destination string
}

// Registry maps topics to an ordered set of destinations.
// A Registry is immutable and safe for concurrent use.
type Registry struct {
	table map[topic.Topic][]string
}

// New builds a registry from a topic to destinations table.
// Destination order is preserved; empty names and duplicates are dropped.
func New(table map[topic.Topic][]string) *Registry {
	r := &Registry{table: make(map[topic.Topic][]string, len(table))}
	for t, dests := range table {
		seen := make(map[string]struct{}, len(dests))
		var ordered []string
		for _, d := range dests {
			if d == "" {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			ordered = append(ordered, d)
		}
		if len(ordered) > 0 {
			r.table[t] = ordered
		}
	}
	return r
}

// Default returns the routing table of the photosharing backend.
func Default() *Registry {
	return New(map[topic.Topic][]string{
		topic.Post:    {FeedService, DemoSubscriber},
		topic.Comment: {DemoSubscriber, PostService},
		topic.Vote:    {PostService},
	})
}

// SubscribersFor returns the destinations subscribed to t, in table order.
// Unknown topics yield an empty slice. The returned slice is a copy.
func (r *Registry) SubscribersFor(t topic.Topic) []string {
	dests := r.table[t]
	out := make([]string, len(dests))
	copy(out, dests)
	return out
}

// Subscriptions returns every (topic, destination) pair, sorted by topic.
func (r *Registry) Subscriptions() []Subscription {
	topics := make([]string, 0, len(r.table))
	for t := range r.table {
		topics = append(topics, string(t))
	}
	sort.Strings(topics)

	var subs []Subscription
	for _, t := range topics {
		for _, d := range r.table[topic.Topic(t)] {
			subs = append(subs, Subscription{Topic: topic.Topic(t), Destination: d})
		}
	}
	return subs
}

// file is the YAML layout of a subscription table.
type file struct {
	Subscriptions map[string][]string `yaml:"subscriptions"`
}

// Load parses a YAML subscription table. Unknown topics are rejected.
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse subscriptions: %w", err)
	}

	table := make(map[topic.Topic][]string, len(f.Subscriptions))
	for name, dests := range f.Subscriptions {
		t, err := topic.Parse(name)
		if err != nil {
			return nil, err
		}
		table[t] = dests
	}
	return New(table), nil
}

// LoadFile reads a YAML subscription table from path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open subscriptions: %w", err)
	}
	defer f.Close()
	return Load(f)
}
