// ABOUTME: Server forms: add, edit and share a backend server entry
// ABOUTME: Validation reuses the store's rules so bad input is caught per field

package forms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/2389/condor/internal/access"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/store"
)

// Defaults offered by the add_server form.
const (
	DefaultServerPort     = "8000"
	DefaultServerUsername = "admin"
)

// editableServerFields are the fields edit_server can change, in order.
var editableServerFields = []string{"host", "port", "username", "password"}

func trimmed(_ context.Context, in string, _ flow.Values) (string, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return "", errors.New("a value is required")
	}
	return in, nil
}

func hostValue(_ context.Context, in string, _ flow.Values) (string, error) {
	in = strings.TrimSpace(in)
	if err := store.ValidateHost(in); err != nil {
		return "", err
	}
	return in, nil
}

func portValue(_ context.Context, in string, _ flow.Values) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(in))
	if err != nil {
		return "", fmt.Errorf("%q is not a number", in)
	}
	if err := store.ValidatePort(n); err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

func secretValue(_ context.Context, in string, _ flow.Values) (string, error) {
	if strings.TrimSpace(in) == "" {
		return "", errors.New("a value is required")
	}
	return in, nil
}

func (r *Registry) newServerID(_ context.Context, in string, _ flow.Values) (string, error) {
	in = strings.TrimSpace(in)
	if err := store.ValidateServerID(in); err != nil {
		return "", err
	}
	if _, err := r.deps.Store.GetServer(in); err == nil {
		return "", fmt.Errorf("server %q already exists", in)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return in, nil
}

func serverField(name string) flow.Field {
	switch name {
	case "host":
		return flow.Field{
			Name:     "host",
			Label:    "Host",
			Prompt:   "Hostname or IP address of the backend API, without scheme or port.",
			Validate: hostValue,
		}
	case "port":
		return flow.Field{
			Name:     "port",
			Label:    "Port",
			Prompt:   "API port.",
			Validate: portValue,
		}
	case "username":
		return flow.Field{
			Name:     "username",
			Label:    "Username",
			Prompt:   "API username.",
			Validate: trimmed,
		}
	default:
		return flow.Field{
			Name:      "password",
			Label:     "Password",
			Prompt:    "API password. It is stored sealed and never shown again.",
			Validate:  secretValue,
			Sensitive: true,
		}
	}
}

func (r *Registry) addServer(_ context.Context, _ Request) (flow.Definition, error) {
	port := serverField("port")
	port.Default, port.HasDefault = DefaultServerPort, true
	username := serverField("username")
	username.Default, username.HasDefault = DefaultServerUsername, true

	return flow.Definition{
		Kind:  string(KindAddServer),
		Title: "Add server",
		Fields: []flow.Field{
			{
				Name:     "id",
				Label:    "Server ID",
				Prompt:   "Short name for the server: letters, digits, '.', '_' or '-'.",
				Validate: r.newServerID,
			},
			serverField("host"),
			port,
			username,
			serverField("password"),
		},
		Submit: r.submitAddServer,
	}, nil
}

func (r *Registry) submitAddServer(ctx context.Context, sub flow.Submission) (string, error) {
	v := sub.Values
	port, _ := strconv.Atoi(v.Get("port"))
	entry := store.ServerEntry{
		ID:        v.Get("id"),
		Host:      v.Get("host"),
		Port:      port,
		Username:  v.Get("username"),
		Password:  v.Get("password"),
		Transport: store.TransportHTTP,
		Enabled:   true,
		Owner:     sub.Owner,
	}
	if err := r.deps.Store.AddServer(ctx, entry); err != nil {
		return "", err
	}
	// The server exists now; finish the action even if the flow is cancelled.
	ctx = context.WithoutCancel(ctx)

	msg := fmt.Sprintf("Server %s added at %s.", entry.ID, entry.Address())
	if _, ok := r.deps.Store.DefaultServer(); !ok {
		if err := r.deps.Store.SetDefault(ctx, entry.ID); err != nil {
			r.logger.Warn("setting first server as default", "server_id", entry.ID, "error", err)
		} else {
			msg += " It is now the default server."
		}
	}

	err := r.audit(ctx, auditRecord{
		actor:      sub.Owner,
		action:     store.AuditServerAdded,
		targetType: store.TargetServer,
		targetID:   entry.ID,
		outcome:    store.OutcomeSuccess,
		details:    map[string]string{"host": entry.Host, "port": strconv.Itoa(entry.Port)},
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("server added", "server_id", entry.ID, "owner", sub.Owner)
	return msg, nil
}

func (r *Registry) editServer(_ context.Context, req Request) (flow.Definition, error) {
	current, err := r.deps.Store.GetServer(req.ServerID)
	if err != nil {
		return flow.Definition{}, err
	}

	names := editableServerFields
	if req.Field != "" {
		if !slices.Contains(editableServerFields, req.Field) {
			return flow.Definition{}, fmt.Errorf("%w: %q is not one of %s",
				flow.ErrUnknownField, req.Field, strings.Join(editableServerFields, ", "))
		}
		names = []string{req.Field}
	}

	values := map[string]string{
		"host":     current.Host,
		"port":     strconv.Itoa(current.Port),
		"username": current.Username,
		"password": current.Password,
	}
	fields := make([]flow.Field, 0, len(names))
	for _, name := range names {
		f := serverField(name)
		f.Default, f.HasDefault = values[name], true
		fields = append(fields, f)
	}

	serverID := req.ServerID
	return flow.Definition{
		Kind:   string(KindEditServer),
		Title:  "Edit server " + serverID,
		Fields: fields,
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			return r.submitEditServer(ctx, serverID, sub)
		},
	}, nil
}

func (r *Registry) submitEditServer(ctx context.Context, serverID string, sub flow.Submission) (string, error) {
	entry, err := r.deps.Store.GetServer(serverID)
	if err != nil {
		return "", err
	}

	var changed []string
	set := func(name string, dst *string) {
		if v, ok := sub.Values[name]; ok && v != *dst {
			*dst = v
			changed = append(changed, name)
		}
	}
	set("host", &entry.Host)
	set("username", &entry.Username)
	set("password", &entry.Password)
	if v, ok := sub.Values["port"]; ok {
		if p, _ := strconv.Atoi(v); p != entry.Port {
			entry.Port = p
			changed = append(changed, "port")
		}
	}
	if len(changed) == 0 {
		return fmt.Sprintf("No changes to %s.", serverID), nil
	}
	slices.Sort(changed)

	if err := r.deps.Store.UpsertServer(ctx, entry); err != nil {
		return "", err
	}
	err = r.audit(ctx, auditRecord{
		actor:      sub.Owner,
		action:     store.AuditServerUpdated,
		targetType: store.TargetServer,
		targetID:   serverID,
		outcome:    store.OutcomeSuccess,
		details:    map[string]string{"fields": strings.Join(changed, ",")},
	})
	if err != nil {
		return "", err
	}

	msg := fmt.Sprintf("Server %s updated (%s).", serverID, strings.Join(changed, ", "))
	if health, err := r.deps.Pool.Refresh(ctx, serverID); err == nil {
		msg += fmt.Sprintf(" Status: %s.", health.Status)
	}
	return msg, nil
}

func (r *Registry) shareServer(_ context.Context, req Request) (flow.Definition, error) {
	if _, err := r.deps.Store.GetServer(req.ServerID); err != nil {
		return flow.Definition{}, err
	}
	serverID := req.ServerID
	levels := []string{string(store.AccessRead), string(store.AccessTrade), string(store.AccessManage)}

	return flow.Definition{
		Kind:  string(KindShareServer),
		Title: "Share server " + serverID,
		Fields: []flow.Field{
			{
				Name:     "user",
				Label:    "User",
				Prompt:   "Numeric id of the user to share with.",
				Validate: r.shareTarget,
			},
			{
				Name:    "level",
				Label:   "Access level",
				Prompt:  "read can view, trade can operate, manage can also edit and share.",
				Options: levels,
			},
		},
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			return r.submitShare(ctx, serverID, sub)
		},
	}, nil
}

func (r *Registry) shareTarget(ctx context.Context, in string, _ flow.Values) (string, error) {
	id, err := store.ParseUserID(strings.TrimSpace(in))
	if err != nil {
		return "", err
	}
	if a, ok := access.ActorFrom(ctx); ok && a.UserID == id {
		return "", errors.New("you cannot share a server with yourself")
	}
	u, err := r.deps.Store.GetUser(id)
	if err != nil {
		return "", fmt.Errorf("user %s is unknown; they must message the bot first", id)
	}
	if u.Role == store.RoleBlocked {
		return "", fmt.Errorf("user %s is blocked", id)
	}
	return id.String(), nil
}

func (r *Registry) submitShare(ctx context.Context, serverID string, sub flow.Submission) (string, error) {
	userID, err := store.ParseUserID(sub.Values.Get("user"))
	if err != nil {
		return "", err
	}
	level, err := store.ParseAccessLevel(sub.Values.Get("level"))
	if err != nil {
		return "", err
	}
	if err := r.deps.Store.GrantAccess(ctx, userID, serverID, level); err != nil {
		return "", err
	}
	err = r.audit(ctx, auditRecord{
		actor:      sub.Owner,
		action:     store.AuditAccessGranted,
		targetType: store.TargetServer,
		targetID:   serverID,
		outcome:    store.OutcomeSuccess,
		details:    map[string]string{"user": userID.String(), "level": string(level)},
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s now has %s access to %s.", userID, level, serverID), nil
}
