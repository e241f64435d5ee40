// ABOUTME: Gateway forms that act on a server's backend: wallets, configs, tokens, pools
// ABOUTME: Submits call the pooled client and audit success or failure

package forms

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/2389/condor/internal/backend"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/store"
)

// WalletChains are the chains add_wallet offers.
var WalletChains = []string{"ethereum", "solana"}

// PoolTypes are the pool kinds a gateway connector supports.
var PoolTypes = []string{"amm", "clmm"}

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,20}$`)

func (r *Registry) addWallet(_ context.Context, req Request) (flow.Definition, error) {
	serverID := req.ServerID
	return flow.Definition{
		Kind:  string(KindAddWallet),
		Title: "Add wallet to " + serverID,
		Fields: []flow.Field{
			{
				Name:    "chain",
				Label:   "Chain",
				Prompt:  "Which chain is the wallet on?",
				Options: WalletChains,
			},
			{
				Name:      "private_key",
				Label:     "Private key",
				Prompt:    "Private key of the wallet. It is sent to the gateway once and never stored here.",
				Validate:  secretValue,
				Sensitive: true,
			},
		},
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			return r.submitAddWallet(ctx, serverID, sub)
		},
	}, nil
}

func (r *Registry) submitAddWallet(ctx context.Context, serverID string, sub flow.Submission) (string, error) {
	chain := sub.Values.Get("chain")
	h, err := r.client(ctx, serverID)
	if err != nil {
		return "", err
	}
	address, err := h.AddWallet(ctx, chain, strings.TrimSpace(sub.Values.Get("private_key")))
	if err != nil {
		r.appendAudit(ctx, auditRecord{
			actor:      sub.Owner,
			action:     store.AuditWalletAdded,
			targetType: store.TargetServer,
			targetID:   serverID,
			outcome:    store.OutcomeFailure,
			details:    map[string]string{"chain": chain},
		})
		return "", fmt.Errorf("adding wallet on %s: %w", serverID, err)
	}

	// The gateway holds the wallet now, so the record must be kept.
	w, err := r.deps.Store.AddWallet(context.WithoutCancel(ctx), store.Wallet{
		ServerID: serverID,
		Chain:    chain,
		Address:  address,
		AddedBy:  sub.Owner,
	})
	if err != nil {
		return "", err
	}
	err = r.audit(ctx, auditRecord{
		actor:      sub.Owner,
		action:     store.AuditWalletAdded,
		targetType: store.TargetWallet,
		targetID:   w.ID,
		outcome:    store.OutcomeSuccess,
		details:    map[string]string{"server": serverID, "chain": chain, "address": address},
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Wallet %s added on %s (%s).", address, chain, serverID), nil
}

// configTarget abstracts connector and network configuration.
type configTarget struct {
	kind   Kind
	noun   string
	action store.AuditAction
	get    func(c backend.Client, ctx context.Context, name string) (map[string]any, error)
	update func(c backend.Client, ctx context.Context, name string, cfg map[string]any) error
}

var (
	connectorTarget = configTarget{
		kind:   KindEditConnector,
		noun:   "connector",
		action: store.AuditConnectorUpdated,
		get:    backend.Client.ConnectorConfig,
		update: backend.Client.UpdateConnectorConfig,
	}
	networkTarget = configTarget{
		kind:   KindEditNetwork,
		noun:   "network",
		action: store.AuditNetworkUpdated,
		get:    backend.Client.NetworkConfig,
		update: backend.Client.UpdateNetworkConfig,
	}
)

func (r *Registry) editConnector(ctx context.Context, req Request) (flow.Definition, error) {
	return r.editConfig(ctx, req, connectorTarget)
}

func (r *Registry) editNetwork(ctx context.Context, req Request) (flow.Definition, error) {
	return r.editConfig(ctx, req, networkTarget)
}

func (r *Registry) editConfig(ctx context.Context, req Request, t configTarget) (flow.Definition, error) {
	if req.Resource == "" {
		return flow.Definition{}, fmt.Errorf("%w: a %s name is required", ErrMissingTarget, t.noun)
	}
	h, err := r.client(ctx, req.ServerID)
	if err != nil {
		return flow.Definition{}, err
	}
	current, err := t.get(h, ctx, req.Resource)
	if err != nil {
		return flow.Definition{}, fmt.Errorf("loading %s %s: %w", t.noun, req.Resource, err)
	}
	if len(current) == 0 {
		return flow.Definition{}, fmt.Errorf("%s %s has no settings to edit", t.noun, req.Resource)
	}

	keys := slices.Sorted(maps.Keys(current))
	fields := make([]flow.Field, 0, len(keys))
	for _, k := range keys {
		v := current[k]
		fields = append(fields, flow.Field{
			Name:       k,
			Label:      k,
			Prompt:     fmt.Sprintf("New value for %s (%s).", k, typeName(v)),
			Default:    formatValue(v),
			HasDefault: true,
			Validate:   typedValidator(v),
			Sensitive:  sensitiveKey(k),
		})
	}

	serverID, name := req.ServerID, req.Resource
	return flow.Definition{
		Kind:   string(t.kind),
		Title:  fmt.Sprintf("Edit %s %s on %s", t.noun, name, serverID),
		Fields: fields,
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			return r.submitConfig(ctx, t, serverID, name, current, sub)
		},
	}, nil
}

func (r *Registry) submitConfig(ctx context.Context, t configTarget, serverID, name string, current map[string]any, sub flow.Submission) (string, error) {
	updated := maps.Clone(current)
	var changed []string
	for _, k := range slices.Sorted(maps.Keys(current)) {
		in, ok := sub.Values[k]
		if !ok || in == formatValue(current[k]) {
			continue
		}
		v, err := parseLike(current[k], in)
		if err != nil {
			return "", fmt.Errorf("%s: %w", k, err)
		}
		updated[k] = v
		changed = append(changed, k)
	}
	if len(changed) == 0 {
		return fmt.Sprintf("No changes to %s %s.", t.noun, name), nil
	}

	h, err := r.client(ctx, serverID)
	if err != nil {
		return "", err
	}
	target := serverID + "/" + name
	if err := t.update(h, ctx, name, updated); err != nil {
		r.appendAudit(ctx, auditRecord{
			actor:      sub.Owner,
			action:     t.action,
			targetType: store.TargetResource,
			targetID:   target,
			outcome:    store.OutcomeFailure,
			details:    map[string]string{"fields": strings.Join(changed, ",")},
		})
		return "", fmt.Errorf("updating %s %s: %w", t.noun, name, err)
	}
	err = r.audit(ctx, auditRecord{
		actor:      sub.Owner,
		action:     t.action,
		targetType: store.TargetResource,
		targetID:   target,
		outcome:    store.OutcomeSuccess,
		details:    map[string]string{"fields": strings.Join(changed, ",")},
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated %s %s on %s: %s.", t.noun, name, serverID, strings.Join(changed, ", ")), nil
}

// choices lists names from the backend for a select field. An unreachable
// backend or an empty list falls back to free text.
func (r *Registry) choices(ctx context.Context, serverID string, list func(backend.Client, context.Context) ([]string, error)) []string {
	h, err := r.client(ctx, serverID)
	if err != nil {
		return nil
	}
	names, err := list(h, ctx)
	if err != nil {
		r.logger.Debug("listing choices", "server_id", serverID, "error", err)
		return nil
	}
	slices.Sort(names)
	return names
}

func networkField(opts []string) flow.Field {
	return flow.Field{
		Name:     "network",
		Label:    "Network",
		Prompt:   "Network id, for example ethereum-mainnet or solana-mainnet-beta.",
		Options:  opts,
		Validate: trimmed,
	}
}

func connectorField(opts []string) flow.Field {
	return flow.Field{
		Name:     "connector",
		Label:    "Connector",
		Prompt:   "Gateway connector, for example uniswap or raydium.",
		Options:  opts,
		Validate: trimmed,
	}
}

func addressField(label string) flow.Field {
	return flow.Field{
		Name:     "address",
		Label:    label,
		Prompt:   label + " on chain.",
		Validate: trimmed,
	}
}

func symbolValue(_ context.Context, in string, _ flow.Values) (string, error) {
	in = strings.TrimSpace(in)
	if !symbolPattern.MatchString(in) {
		return "", fmt.Errorf("%q is not a token symbol", in)
	}
	return strings.ToUpper(in), nil
}

func decimalsValue(_ context.Context, in string, _ flow.Values) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(in))
	if err != nil || n < 0 || n > 36 {
		return "", fmt.Errorf("%q must be a whole number between 0 and 36", in)
	}
	return strconv.Itoa(n), nil
}

func optionalText(_ context.Context, in string, _ flow.Values) (string, error) {
	return strings.TrimSpace(in), nil
}

func (r *Registry) addToken(ctx context.Context, req Request) (flow.Definition, error) {
	networks := r.choices(ctx, req.ServerID, backend.Client.ListNetworks)
	serverID := req.ServerID
	return flow.Definition{
		Kind:  string(KindAddToken),
		Title: "Add token on " + serverID,
		Fields: []flow.Field{
			networkField(networks),
			addressField("Token address"),
			{Name: "symbol", Label: "Symbol", Prompt: "Token symbol, for example USDC.", Validate: symbolValue},
			{Name: "decimals", Label: "Decimals", Prompt: "Token decimals.", Validate: decimalsValue, Default: "18", HasDefault: true},
			{Name: "name", Label: "Name", Prompt: "Display name (optional).", Validate: optionalText, HasDefault: true},
		},
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			v := sub.Values
			decimals, _ := strconv.Atoi(v.Get("decimals"))
			tok := backend.Token{Address: v.Get("address"), Symbol: v.Get("symbol"), Decimals: decimals, Name: v.Get("name")}
			network := v.Get("network")
			return r.gatewayOp(ctx, sub, serverID, store.AuditTokenAdded, network+"/"+tok.Address,
				map[string]string{"network": network, "symbol": tok.Symbol},
				func(c backend.Client) error { return c.AddToken(ctx, network, tok) },
				fmt.Sprintf("Token %s added on %s.", tok.Symbol, network))
		},
	}, nil
}

func (r *Registry) removeToken(ctx context.Context, req Request) (flow.Definition, error) {
	networks := r.choices(ctx, req.ServerID, backend.Client.ListNetworks)
	serverID := req.ServerID
	return flow.Definition{
		Kind:  string(KindRemoveToken),
		Title: "Remove token on " + serverID,
		Fields: []flow.Field{
			networkField(networks),
			addressField("Token address"),
		},
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			network, address := sub.Values.Get("network"), sub.Values.Get("address")
			return r.gatewayOp(ctx, sub, serverID, store.AuditTokenRemoved, network+"/"+address,
				map[string]string{"network": network},
				func(c backend.Client) error { return c.DeleteToken(ctx, network, address) },
				fmt.Sprintf("Token %s removed from %s.", address, network))
		},
	}, nil
}

func (r *Registry) poolFields(ctx context.Context, serverID string, full bool) []flow.Field {
	fields := []flow.Field{
		connectorField(r.choices(ctx, serverID, backend.Client.ListConnectors)),
		networkField(r.choices(ctx, serverID, backend.Client.ListNetworks)),
		{Name: "type", Label: "Pool type", Prompt: "amm or clmm.", Options: PoolTypes},
	}
	if full {
		fields = append(fields,
			flow.Field{Name: "base", Label: "Base token", Prompt: "Base token symbol.", Validate: symbolValue},
			flow.Field{Name: "quote", Label: "Quote token", Prompt: "Quote token symbol.", Validate: symbolValue},
		)
	}
	return append(fields, addressField("Pool address"))
}

func poolFrom(v flow.Values) backend.Pool {
	return backend.Pool{
		Connector: v.Get("connector"),
		Network:   v.Get("network"),
		Type:      v.Get("type"),
		Base:      v.Get("base"),
		Quote:     v.Get("quote"),
		Address:   v.Get("address"),
	}
}

func (r *Registry) addPool(ctx context.Context, req Request) (flow.Definition, error) {
	serverID := req.ServerID
	return flow.Definition{
		Kind:   string(KindAddPool),
		Title:  "Add pool on " + serverID,
		Fields: r.poolFields(ctx, serverID, true),
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			p := poolFrom(sub.Values)
			return r.gatewayOp(ctx, sub, serverID, store.AuditPoolAdded, p.Connector+"/"+p.Address,
				map[string]string{"network": p.Network, "type": p.Type, "pair": p.Base + "-" + p.Quote},
				func(c backend.Client) error { return c.AddPool(ctx, p) },
				fmt.Sprintf("Pool %s-%s added to %s on %s.", p.Base, p.Quote, p.Connector, p.Network))
		},
	}, nil
}

func (r *Registry) removePool(ctx context.Context, req Request) (flow.Definition, error) {
	serverID := req.ServerID
	return flow.Definition{
		Kind:   string(KindRemovePool),
		Title:  "Remove pool on " + serverID,
		Fields: r.poolFields(ctx, serverID, false),
		Submit: func(ctx context.Context, sub flow.Submission) (string, error) {
			p := poolFrom(sub.Values)
			return r.gatewayOp(ctx, sub, serverID, store.AuditPoolRemoved, p.Connector+"/"+p.Address,
				map[string]string{"network": p.Network, "type": p.Type},
				func(c backend.Client) error { return c.DeletePool(ctx, p) },
				fmt.Sprintf("Pool %s removed from %s.", p.Address, p.Connector))
		},
	}, nil
}

// gatewayOp runs op against the server's client and audits the outcome.
func (r *Registry) gatewayOp(ctx context.Context, sub flow.Submission, serverID string, action store.AuditAction,
	target string, details map[string]string, op func(backend.Client) error, success string) (string, error) {
	h, err := r.client(ctx, serverID)
	if err != nil {
		return "", err
	}
	details["server"] = serverID
	if err := op(h); err != nil {
		r.appendAudit(ctx, auditRecord{
			actor:      sub.Owner,
			action:     action,
			targetType: store.TargetResource,
			targetID:   target,
			outcome:    store.OutcomeFailure,
			details:    details,
		})
		if errors.Is(err, backend.ErrUnsupported) {
			return "", fmt.Errorf("server %s does not support this operation: %w", serverID, err)
		}
		return "", fmt.Errorf("%s on %s: %w", action, serverID, err)
	}
	if err := r.audit(ctx, auditRecord{
		actor:      sub.Owner,
		action:     action,
		targetType: store.TargetResource,
		targetID:   target,
		outcome:    store.OutcomeSuccess,
		details:    details,
	}); err != nil {
		return "", err
	}
	return success, nil
}
