package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/policy"
)

func writePolicy(t *testing.T, dir, name, src string) {
	t.Helper()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
}

func TestGuardDeniesByPolicy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePolicy(t, dir, "tool.rego", `package jarvis.tool

default allow = true
default reason = ""

allow = false if {
	input.name == "run_command"
	contains(input.arguments.command, "sudo")
}

reason = "sudo is not permitted" if {
	not allow
}
`)

	guard, err := policy.Load(ctx, dir)
	gt.NoError(t, err)

	t.Run("allowed call", func(t *testing.T) {
		allowed, reason, err := guard.Check(ctx, &model.ToolCallRequest{
			Name:      "run_command",
			Arguments: map[string]any{"command": "ls -la"},
		})
		gt.NoError(t, err)
		gt.True(t, allowed)
		gt.Equal(t, reason, "")
	})

	t.Run("denied call", func(t *testing.T) {
		allowed, reason, err := guard.Check(ctx, &model.ToolCallRequest{
			Name:      "run_command",
			Arguments: map[string]any{"command": "sudo reboot"},
		})
		gt.NoError(t, err)
		gt.False(t, allowed)
		gt.Equal(t, reason, "sudo is not permitted")
	})

	t.Run("nil arguments", func(t *testing.T) {
		allowed, _, err := guard.Check(ctx, &model.ToolCallRequest{Name: "list_memory_keys"})
		gt.NoError(t, err)
		gt.True(t, allowed)
	})
}

func TestGuardUserID(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePolicy(t, dir, "tool.rego", `package jarvis.tool

default allow = true

allow = false if {
	input.user_id == "guest"
}
`)

	call := &model.ToolCallRequest{Name: "get_env", Arguments: map[string]any{"var_name": "HOME"}}

	guest, err := policy.Load(ctx, dir, policy.WithUserID("guest"))
	gt.NoError(t, err)
	allowed, reason, err := guest.Check(ctx, call)
	gt.NoError(t, err)
	gt.False(t, allowed)
	gt.Equal(t, reason, "denied")

	owner, err := policy.Load(ctx, dir)
	gt.NoError(t, err)
	allowed, _, err = owner.Check(ctx, call)
	gt.NoError(t, err)
	gt.True(t, allowed)
}

func TestGuardWithoutPolicies(t *testing.T) {
	ctx := context.Background()
	call := &model.ToolCallRequest{Name: "run_command", Arguments: map[string]any{"command": "rm -rf /"}}

	for _, dir := range []string{"", t.TempDir()} {
		guard, err := policy.Load(ctx, dir)
		gt.NoError(t, err)
		allowed, _, err := guard.Check(ctx, call)
		gt.NoError(t, err)
		gt.True(t, allowed)
	}
}

func TestGuardOtherPackage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePolicy(t, dir, "other.rego", `package something.else

default allow = false
`)

	guard, err := policy.Load(ctx, dir)
	gt.NoError(t, err)

	// an undefined decision allows the call
	allowed, _, err := guard.Check(ctx, &model.ToolCallRequest{Name: "get_env"})
	gt.NoError(t, err)
	gt.True(t, allowed)
}

func TestGuardInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "broken.rego", "package jarvis.tool\n\nallow = {")

	_, err := policy.Load(context.Background(), dir)
	gt.Error(t, err)
}
