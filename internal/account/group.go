package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mersea/llm-relay/internal/store"
)

// Group selection policies.
const (
	PolicyPriority    = "priority"
	PolicyRoundRobin  = "round-robin"
	PolicyLeastLoaded = "least-loaded"
)

// Group is a named subset of the account pool with its own selection
// policy. API keys can be bound to a group to partition traffic.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Policy    string   `json:"policy"`
	Members   []string `json:"members"`
	CreatedAt string   `json:"createdAt"`
}

// Contains reports whether the account is a member.
func (g *Group) Contains(accountID string) bool {
	for _, m := range g.Members {
		if m == accountID {
			return true
		}
	}
	return false
}

// CreateGroup registers a new group. Member account ids are not
// validated here; the scheduler skips dangling references.
func (r *Repo) CreateGroup(ctx context.Context, name, policy string, members []string) (*Group, error) {
	switch policy {
	case PolicyPriority, PolicyRoundRobin, PolicyLeastLoaded:
	case "":
		policy = PolicyPriority
	default:
		return nil, fmt.Errorf("unknown group policy %q", policy)
	}

	g := &Group{
		ID:        uuid.NewString(),
		Name:      name,
		Policy:    policy,
		Members:   members,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.saveGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Repo) GetGroup(ctx context.Context, id string) (*Group, error) {
	data, err := r.store.HGetAll(ctx, store.KeyGroupPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return groupFromMap(data), nil
}

func (r *Repo) ListGroups(ctx context.Context) ([]*Group, error) {
	ids, err := r.store.SMembers(ctx, store.KeyGroupIndex)
	if err != nil {
		return nil, err
	}
	groups := make([]*Group, 0, len(ids))
	for _, id := range ids {
		data, err := r.store.HGetAll(ctx, store.KeyGroupPrefix+id)
		if err != nil || len(data) == 0 {
			continue
		}
		groups = append(groups, groupFromMap(data))
	}
	return groups, nil
}

// UpdateGroup replaces the member list and/or policy.
func (r *Repo) UpdateGroup(ctx context.Context, id string, policy string, members []string) (*Group, error) {
	g, err := r.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, store.ErrNotFound
	}
	if policy != "" {
		switch policy {
		case PolicyPriority, PolicyRoundRobin, PolicyLeastLoaded:
			g.Policy = policy
		default:
			return nil, fmt.Errorf("unknown group policy %q", policy)
		}
	}
	if members != nil {
		g.Members = members
	}
	if err := r.saveGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Repo) DeleteGroup(ctx context.Context, id string) error {
	return r.store.DelIndexed(ctx, store.KeyGroupPrefix+id, store.KeyGroupIndex, id)
}

func (r *Repo) saveGroup(ctx context.Context, g *Group) error {
	members, _ := json.Marshal(g.Members)
	fields := map[string]string{
		"id":        g.ID,
		"name":      g.Name,
		"policy":    g.Policy,
		"members":   string(members),
		"createdAt": g.CreatedAt,
	}
	return r.store.HSetIndexed(ctx, store.KeyGroupPrefix+g.ID, fields, store.KeyGroupIndex, g.ID)
}

func groupFromMap(data map[string]string) *Group {
	g := &Group{
		ID:        data["id"],
		Name:      data["name"],
		Policy:    data["policy"],
		CreatedAt: data["createdAt"],
	}
	if raw := data["members"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &g.Members)
	}
	return g
}
