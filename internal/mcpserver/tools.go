package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the stakehold MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListChains = mcp.NewTool("list_chains",
	mcp.WithDescription(
		"List the chains this escrow service can hold stakes on, with their settlement kind "+
			"(utxo, account, attestation), decimals, and whether the node circuit is healthy."),
)

var ToolCreateSession = mcp.NewTool("create_session",
	mcp.WithDescription(
		"Open a two-party escrow session. A fresh custodial escrow address is generated; "+
			"both participants must each deposit the stake there before a winner can be declared. "+
			"Returns the session id and the escrow address to fund."),
	mcp.WithString("chain",
		mcp.Required(),
		mcp.Description("Chain to hold the stakes on (see list_chains), e.g. 'btc' or 'eth'")),
	mcp.WithString("stake",
		mcp.Required(),
		mcp.Description("Stake per participant as a decimal in the chain's native unit, e.g. '0.001'")),
	mcp.WithString("participant_a",
		mcp.Required(),
		mcp.Description("Payout address of the first participant (deposits first)")),
	mcp.WithString("participant_b",
		mcp.Required(),
		mcp.Description("Payout address of the second participant")),
	mcp.WithString("timeout",
		mcp.Description("How long the session may stay open before it expires and refunds, e.g. '2h'. Defaults to the server setting.")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription("Get the current state, deposits, and payout status of an escrow session."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session id returned by create_session")),
)

var ToolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription("List recent escrow sessions, newest first."),
	mcp.WithString("state",
		mcp.Description("Only return sessions in this state"),
		mcp.Enum("waiting_deposits", "active", "settled", "expired")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sessions to return (default 20)")),
)

var ToolPollDeposits = mcp.NewTool("poll_deposits",
	mcp.WithDescription(
		"Check the escrow address on chain now and record any new deposits. "+
			"The session becomes active once both stakes have arrived."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session to check")),
)

var ToolDeclareWinner = mcp.NewTool("declare_winner",
	mcp.WithDescription(
		"Declare the winner of an active session and pay out the whole escrow to them. "+
			"Repeating the call with the same winner is safe and reports the existing payout; "+
			"a different winner is rejected."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session to settle")),
	mcp.WithString("winner",
		mcp.Required(),
		mcp.Description("Payout address of the winning participant; must match participant_a or participant_b")),
)

var ToolCancelSession = mcp.NewTool("cancel_session",
	mcp.WithDescription(
		"Cancel an unresolved session. Whatever has been deposited is refunded to the participants who paid it."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session to cancel")),
	mcp.WithString("reason",
		mcp.Description("Why the session is cancelled (recorded on the session)")),
)

var ToolRetrySettlement = mcp.NewTool("retry_settlement",
	mcp.WithDescription(
		"Retry the payout of a settled or expired session whose payout is still pending or failed. "+
			"The original decision is replayed; nothing is ever paid twice."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session whose payout should be retried")),
)

var ToolGetLedger = mcp.NewTool("get_ledger",
	mcp.WithDescription("Show the reward ledger rows recorded for a session's payouts."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session to inspect")),
)
