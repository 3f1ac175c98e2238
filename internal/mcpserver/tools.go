package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the infravault MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolServerInfo = mcp.NewTool("server_info",
	mcp.WithDescription(
		"Describe the connected infravault ledger: version, oracle mode, "+
			"whether signed receipts are enabled, and the accepted sectors."),
)

var ToolSubmitNetwork = mcp.NewTool("submit_network",
	mcp.WithDescription(
		"Record an encrypted infrastructure network on the ledger. "+
			"Takes three ciphertext handles (0x + 64 hex chars) produced by the encryption oracle. "+
			"Returns the new network ID. Nothing is decrypted at this point."),
	mcp.WithString("dependency_matrix",
		mcp.Required(),
		mcp.Description("Ciphertext handle of the dependency matrix metric")),
	mcp.WithString("capacity",
		mcp.Required(),
		mcp.Description("Ciphertext handle of the capacity metric")),
	mcp.WithString("criticality",
		mcp.Required(),
		mcp.Description("Ciphertext handle of the criticality metric")),
	mcp.WithString("sector",
		mcp.Required(),
		mcp.Description("Infrastructure sector"),
		mcp.Enum("power", "telecom", "transport", "water")),
)

var ToolAssessNetwork = mcp.NewTool("assess_network",
	mcp.WithDescription(
		"Run the whole risk protocol in one step against a development server: "+
			"encrypt the three metrics, submit the network, request the encrypted analysis, "+
			"wait for the oracle, then optionally reveal the risk score and vulnerability. "+
			"Only works when the server runs the in-process oracle."),
	mcp.WithNumber("dependency_matrix",
		mcp.Required(),
		mcp.Description("Dependency matrix metric (non-negative integer)")),
	mcp.WithNumber("capacity",
		mcp.Required(),
		mcp.Description("Capacity metric (non-negative integer; 0 yields a zero risk score)")),
	mcp.WithNumber("criticality",
		mcp.Required(),
		mcp.Description("Criticality metric (non-negative integer)")),
	mcp.WithString("sector",
		mcp.Required(),
		mcp.Description("Infrastructure sector"),
		mcp.Enum("power", "telecom", "transport", "water")),
	mcp.WithBoolean("reveal",
		mcp.Description("Publicly decrypt the result after analysis (default true). Reveals are permanent.")),
)

var ToolNetworkStatus = mcp.NewTool("network_status",
	mcp.WithDescription(
		"Show where a network is in the protocol: submitted, analysis_requested, analyzed, "+
			"reveal_requested or revealed, with pending oracle request IDs and the result once revealed."),
	mcp.WithNumber("network_id",
		mcp.Required(),
		mcp.Description("Network ID returned by submit_network")),
)

var ToolRequestAnalysis = mcp.NewTool("request_analysis",
	mcp.WithDescription(
		"Ask the decryption oracle to compute the encrypted risk analysis for a network. "+
			"The result arrives asynchronously; poll network_status until it is 'analyzed'. "+
			"Each network can be analyzed only once."),
	mcp.WithNumber("network_id",
		mcp.Required(),
		mcp.Description("Network ID to analyze")),
)

var ToolRequestReveal = mcp.NewTool("request_reveal",
	mcp.WithDescription(
		"Ask the oracle to publicly decrypt an analysis. Once revealed the cleartext risk score "+
			"and vulnerability are visible to every ledger reader and cannot be hidden again."),
	mcp.WithNumber("analysis_id",
		mcp.Required(),
		mcp.Description("Analysis ID from network_status")),
)

var ToolGetResult = mcp.NewTool("get_result",
	mcp.WithDescription(
		"Read the result slot of an analysis. Unrevealed results report zero values and revealed=false."),
	mcp.WithNumber("analysis_id",
		mcp.Required(),
		mcp.Description("Analysis ID")),
)

var ToolListEvents = mcp.NewTool("list_events",
	mcp.WithDescription(
		"List audit events recorded by the ledger, oldest first. "+
			"Filter by network, analysis or event type."),
	mcp.WithNumber("network_id",
		mcp.Description("Only events for this network")),
	mcp.WithNumber("analysis_id",
		mcp.Description("Only events for this analysis")),
	mcp.WithString("type",
		mcp.Description("Event type, e.g. 'network.submitted' or 'result.decrypted'")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 50)")),
)

var ToolVerifyReceipt = mcp.NewTool("verify_receipt",
	mcp.WithDescription(
		"List or verify signed receipts. With analysis_id, lists the receipts issued for that analysis. "+
			"With receipt_id, checks the receipt's signature on the server."),
	mcp.WithNumber("analysis_id",
		mcp.Description("Analysis whose receipts to list")),
	mcp.WithString("receipt_id",
		mcp.Description("Receipt to verify")),
)
