package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *StakeholdClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *StakeholdClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListChains lists the configured chains.
func (h *Handlers) HandleListChains(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListChains(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list chains: %v", err)), nil
	}
	text, err := formatChains(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse chains: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateSession opens a session and tells the caller where to deposit.
func (h *Handlers) HandleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainName := req.GetString("chain", "")
	stake := req.GetString("stake", "")
	a := req.GetString("participant_a", "")
	b := req.GetString("participant_b", "")
	if chainName == "" || stake == "" || a == "" || b == "" {
		return mcp.NewToolResultError("chain, stake, participant_a and participant_b are required"), nil
	}

	raw, err := h.client.CreateSession(ctx, chainName, stake, a, b, req.GetString("timeout", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create session: %v", err)), nil
	}
	s, err := decodeSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Escrow session created.\n\n")
	sb.WriteString(s.describe())
	fmt.Fprintf(&sb, "\nNext: %s deposits the stake to %s first, then %s deposits the same amount. "+
		"Use poll_deposits to check progress.", s.ParticipantA, s.Wallet.Address, s.ParticipantB)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetSession shows one session.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}
	s, err := decodeSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}
	return mcp.NewToolResultText(s.describe()), nil
}

// HandleListSessions lists recent sessions.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	raw, err := h.client.ListSessions(ctx, req.GetString("state", ""), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	var resp struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}
	if len(resp.Sessions) == 0 {
		return mcp.NewToolResultText("No sessions found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d session(s):\n\n", len(resp.Sessions))
	for i, s := range resp.Sessions {
		fmt.Fprintf(&sb, "%d. %s  %s  stake %s on %s", i+1, s.ID, s.State, intString(s.StakeAmount), s.Chain)
		if s.Winner != "" {
			fmt.Fprintf(&sb, "  winner %s", s.Winner)
		}
		if s.PayoutStatus != "" {
			fmt.Fprintf(&sb, "  payout %s", s.PayoutStatus)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePollDeposits applies new deposits.
func (h *Handlers) HandlePollDeposits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.PollDeposits(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to poll deposits: %v", err)), nil
	}
	s, err := decodeSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(s.describe())
	switch {
	case s.State == "active":
		sb.WriteString("\nBoth stakes are in. The session is ready for declare_winner.")
	case s.State == "waiting_deposits" && !s.Deposits.A:
		fmt.Fprintf(&sb, "\nWaiting for %s to deposit.", s.ParticipantA)
	case s.State == "waiting_deposits":
		fmt.Fprintf(&sb, "\nWaiting for %s to deposit.", s.ParticipantB)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDeclareWinner settles a session.
func (h *Handlers) HandleDeclareWinner(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	winner := req.GetString("winner", "")
	if id == "" || winner == "" {
		return mcp.NewToolResultError("session_id and winner are required"), nil
	}
	raw, err := h.client.DeclareWinner(ctx, id, winner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to declare winner: %v", err)), nil
	}
	return settlementText(raw)
}

// HandleCancelSession expires a session and refunds deposits.
func (h *Handlers) HandleCancelSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.CancelSession(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel session: %v", err)), nil
	}
	return settlementText(raw)
}

// HandleRetrySettlement replays the payout of a resolved session.
func (h *Handlers) HandleRetrySettlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.SettleSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to retry settlement: %v", err)), nil
	}
	return settlementText(raw)
}

// HandleGetLedger shows the ledger rows of a session.
func (h *Handlers) HandleGetLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.LedgerEntries(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ledger: %v", err)), nil
	}

	var resp struct {
		Entries []struct {
			Recipient string   `json:"recipient"`
			Chain     string   `json:"chain"`
			Status    string   `json:"status"`
			Amount    *big.Int `json:"amount"`
			PayoutRef string   `json:"payoutRef"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ledger: %v", err)), nil
	}
	if len(resp.Entries) == 0 {
		return mcp.NewToolResultText("No ledger entries for " + id + "."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ledger for %s:\n", id)
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "  %s  %s  %s", e.Recipient, e.Status, intString(e.Amount))
		if e.PayoutRef != "" {
			fmt.Fprintf(&sb, "  ref %s", e.PayoutRef)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- response views ---

type sessionView struct {
	ID           string   `json:"id"`
	Chain        string   `json:"chain"`
	StakeAmount  *big.Int `json:"stakeAmount"`
	ParticipantA string   `json:"participantA"`
	ParticipantB string   `json:"participantB"`
	Wallet       struct {
		Address string `json:"address"`
	} `json:"wallet"`
	State    string `json:"state"`
	Deposits struct {
		A bool `json:"a"`
		B bool `json:"b"`
	} `json:"depositsObserved"`
	ObservedAmount *big.Int  `json:"observedAmount"`
	Winner         string    `json:"winner"`
	Deadline       time.Time `json:"deadline"`
	PayoutStatus   string    `json:"payoutStatus"`
	PayoutError    string    `json:"payoutError"`
	CancelReason   string    `json:"cancelReason"`
}

func decodeSession(raw json.RawMessage) (*sessionView, error) {
	var resp struct {
		Session *sessionView `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("no session in response: %s", string(raw))
	}
	return resp.Session, nil
}

func (s *sessionView) describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s (%s)\n", s.ID, s.Chain)
	fmt.Fprintf(&sb, "  State:    %s\n", s.State)
	fmt.Fprintf(&sb, "  Stake:    %s base units each\n", intString(s.StakeAmount))
	fmt.Fprintf(&sb, "  Escrow:   %s\n", s.Wallet.Address)
	fmt.Fprintf(&sb, "  A:        %s (deposited: %s)\n", s.ParticipantA, yesNo(s.Deposits.A))
	fmt.Fprintf(&sb, "  B:        %s (deposited: %s)\n", s.ParticipantB, yesNo(s.Deposits.B))
	fmt.Fprintf(&sb, "  Observed: %s\n", intString(s.ObservedAmount))
	if !s.Deadline.IsZero() {
		fmt.Fprintf(&sb, "  Deadline: %s\n", s.Deadline.UTC().Format(time.RFC3339))
	}
	if s.Winner != "" {
		fmt.Fprintf(&sb, "  Winner:   %s\n", s.Winner)
	}
	if s.CancelReason != "" {
		fmt.Fprintf(&sb, "  Reason:   %s\n", s.CancelReason)
	}
	if s.PayoutStatus != "" {
		fmt.Fprintf(&sb, "  Payout:   %s\n", s.PayoutStatus)
	}
	if s.PayoutError != "" {
		fmt.Fprintf(&sb, "  Error:    %s\n", s.PayoutError)
	}
	return sb.String()
}

type resultView struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Winner    string `json:"winner"`
	Payouts   []struct {
		Recipient string `json:"recipient"`
		Display   string `json:"display"`
		Reference string `json:"reference"`
		Signature string `json:"signature"`
		Status    string `json:"status"`
	} `json:"payouts"`
}

func settlementText(raw json.RawMessage) (*mcp.CallToolResult, error) {
	var res resultView
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlement: %v", err)), nil
	}

	var sb strings.Builder
	switch res.Status {
	case "already_settled":
		fmt.Fprintf(&sb, "Session %s was already paid out (%s).\n", res.SessionID, res.State)
	default:
		fmt.Fprintf(&sb, "Session %s paid out (%s).\n", res.SessionID, res.State)
	}
	if res.Winner != "" {
		fmt.Fprintf(&sb, "Winner: %s\n", res.Winner)
	}
	if len(res.Payouts) == 0 {
		sb.WriteString("Nothing was owed to anyone.\n")
	}
	for _, p := range res.Payouts {
		fmt.Fprintf(&sb, "  %s: %s (%s) ref %s\n", p.Recipient, p.Display, p.Status, p.Reference)
		if p.Signature != "" {
			fmt.Fprintf(&sb, "    claim signature: %s\n", p.Signature)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func formatChains(raw json.RawMessage) (string, error) {
	var resp struct {
		Chains []struct {
			Name     string `json:"name"`
			Kind     string `json:"kind"`
			Decimals int    `json:"decimals"`
			Circuit  string `json:"circuit"`
		} `json:"chains"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Chains) == 0 {
		return "No chains are configured.", nil
	}

	var sb strings.Builder
	sb.WriteString("Supported chains:\n")
	for _, c := range resp.Chains {
		fmt.Fprintf(&sb, "  %s  %s  %d decimals  node %s\n", c.Name, c.Kind, c.Decimals, c.Circuit)
	}
	return sb.String(), nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
