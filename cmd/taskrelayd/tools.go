package main

import (
	"time"
	_ "time/tzdata"

	"github.com/hupe1980/taskrelay/config"
	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/tool"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" description:"IANA time zone name, defaults to UTC"`
}

// builtinTools returns the tools capabilities may list by name: a clock and,
// per configured provider, a gated "<provider>_grant_info" tool reporting
// the user's grant without revealing its token.
func builtinTools(providers []config.ProviderConfig) map[string]tool.Tool {
	tools := map[string]tool.Tool{
		"current_time": tool.NewFunctionToolFromStruct(
			"current_time",
			"Return the current time, optionally in a given time zone",
			currentTimeArgs{},
			currentTime,
		),
	}

	for _, p := range providers {
		name := p.Name + "_grant_info"
		tools[name] = tool.NewFunctionTool(
			name,
			"Describe the access the user granted to "+p.Name,
			map[string]any{"type": "object", "properties": map[string]any{}},
			grantInfo,
			func(o *tool.FunctionToolOptions) { o.AuthProvider = p.Name },
		)
	}

	return tools
}

func currentTime(_ *tool.Context, args map[string]any) (any, error) {
	now := core.Now()

	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, tool.NewToolError("current_time", "unknown time zone "+tz, tool.CodeValidation)
		}
		now = now.In(loc)
	}

	return map[string]any{"time": now.Format(time.RFC3339)}, nil
}

func grantInfo(toolCtx *tool.Context, _ map[string]any) (any, error) {
	cred, err := toolCtx.Credential()
	if err != nil {
		return nil, err
	}

	info := map[string]any{
		"provider":    cred.Provider,
		"token_type":  cred.TokenType,
		"refreshable": cred.RefreshToken != "",
	}
	if !cred.Expiry.IsZero() {
		info["expires_at"] = cred.Expiry.Format(time.RFC3339)
	}

	return info, nil
}
