// Package preference lets the model manage persistent per user preferences.
package preference

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/tool"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
)

const userIDDescription = "Optional. Specific user ID. Defaults to current session user if not provided."

// Store is the preference part of long term memory
type Store interface {
	StorePreference(ctx context.Context, userID, key, value string) error
	GetPreference(ctx context.Context, userID, key string) (string, bool, error)
	GetAllPreferences(ctx context.Context, userID string) (map[string]string, error)
	DeletePreference(ctx context.Context, userID, key string) (bool, error)
}

type Provider struct {
	*tool.Set
	store  Store
	userID string
}

type Option func(*Provider)

// WithUserID sets the session user assumed when the model omits user_id
func WithUserID(userID string) Option {
	return func(p *Provider) {
		if userID != "" {
			p.userID = userID
		}
	}
}

func New(store Store, opts ...Option) *Provider {
	p := &Provider{
		store:  store,
		userID: model.DefaultUserID,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.Set = tool.NewSet().
		Add(&model.ToolDescriptor{
			Name:        "store_user_preference",
			Description: "Stores a persistent preference (key-value pair) for a user. This information will be remembered across sessions.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"key":     tool.StringProp("The key for the preference (e.g., 'favorite_color', 'city')."),
				"value":   tool.StringProp("The value of the preference (e.g., 'blue', 'New York')."),
				"user_id": tool.NullableStringProp(userIDDescription),
			}, "key", "value"),
		}, p.put).
		Add(&model.ToolDescriptor{
			Name:        "get_user_preference",
			Description: "Retrieves a specific persistent preference for a user.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"key":     tool.StringProp("The key of the preference to retrieve."),
				"user_id": tool.NullableStringProp(userIDDescription),
			}, "key"),
		}, p.get).
		Add(&model.ToolDescriptor{
			Name:        "get_all_user_preferences",
			Description: "Retrieves all persistent preferences for a user.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"user_id": tool.NullableStringProp(userIDDescription),
			}),
		}, p.getAll).
		Add(&model.ToolDescriptor{
			Name:        "delete_user_preference",
			Description: "Deletes a specific persistent preference for a user.",
			Parameters: tool.ObjectSchema(map[string]*jsonschema.Schema{
				"key":     tool.StringProp("The key of the preference to delete."),
				"user_id": tool.NullableStringProp(userIDDescription),
			}, "key"),
		}, p.delete).
		WithPrompt("Use the user preference tools to remember stable facts about the user (favorite color, home city, preferred units) across sessions.")

	return p
}

func (p *Provider) user(args map[string]any) (string, error) {
	return tool.OptionalString(args, "user_id", p.userID)
}

func (p *Provider) put(ctx context.Context, args map[string]any) (string, error) {
	key, err := tool.String(args, "key")
	if err != nil {
		return "", err
	}
	value, err := tool.String(args, "value")
	if err != nil {
		return "", err
	}
	uid, err := p.user(args)
	if err != nil {
		return "", err
	}

	if err := p.store.StorePreference(ctx, uid, key, value); err != nil {
		logging.From(ctx).Error("failed to store preference", "user_id", uid, "key", key, "error", err)
		return fmt.Sprintf("[Error: Failed to store preference '%s'.]", key), nil
	}
	return fmt.Sprintf("[Preference '%s' saved for user '%s'.]", key, uid), nil
}

func (p *Provider) get(ctx context.Context, args map[string]any) (string, error) {
	key, err := tool.String(args, "key")
	if err != nil {
		return "", err
	}
	uid, err := p.user(args)
	if err != nil {
		return "", err
	}

	value, found, err := p.store.GetPreference(ctx, uid, key)
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("[No preference found for user '%s', key '%s'.]", uid, key), nil
	}
	return fmt.Sprintf("[Preference for user '%s', key '%s': %s]", uid, key, value), nil
}

func (p *Provider) getAll(ctx context.Context, args map[string]any) (string, error) {
	uid, err := p.user(args)
	if err != nil {
		return "", err
	}

	prefs, err := p.store.GetAllPreferences(ctx, uid)
	if err != nil {
		logging.From(ctx).Error("failed to get preferences", "user_id", uid, "error", err)
		return fmt.Sprintf("[Error: Could not retrieve preferences for user '%s'.]", uid), nil
	}
	if len(prefs) == 0 {
		return fmt.Sprintf("[No preferences found for user '%s'.]", uid), nil
	}

	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, prefs[k]))
	}
	return fmt.Sprintf("[Preferences for user '%s':\n%s]", uid, strings.Join(lines, "\n")), nil
}

func (p *Provider) delete(ctx context.Context, args map[string]any) (string, error) {
	key, err := tool.String(args, "key")
	if err != nil {
		return "", err
	}
	uid, err := p.user(args)
	if err != nil {
		return "", err
	}

	deleted, err := p.store.DeletePreference(ctx, uid, key)
	if err != nil {
		logging.From(ctx).Error("failed to delete preference", "user_id", uid, "key", key, "error", err)
	}
	if err != nil || !deleted {
		return fmt.Sprintf("[Error: Failed to delete preference '%s' for user '%s', or key not found.]", key, uid), nil
	}
	return fmt.Sprintf("[Preference '%s' deleted for user '%s'.]", key, uid), nil
}
