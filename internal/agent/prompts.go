package agent

import "EVMQuery-Chain/internal/llm"

const intentSystemPrompt = `You are a blockchain expert who extracts structured intents from natural language queries about smart contracts.
Given a user's question, determine if it requires interacting with a smart contract.
If it does, extract the contract address, user address (if any), and classify the intent.
Only return structured data if the query requires smart contract interaction.

Example inputs and outputs:

Input: "how much PEPE (0x6982508145454Ce325dDbE47a25d4ec3d2311933) does this address hold 0x16b2b042f15564bb8585259f535907f375bdc415 on ethereum?"
Output: {"intent": "get user balance for token", "contract": "0x6982508145454Ce325dDbE47a25d4ec3d2311933", "eoa": "0x16b2b042f15564bb8585259f535907f375bdc415"}

Input: "what's the total supply of USDC (0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48)?"
Output: {"intent": "get token total supply", "contract": "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "eoa": null}

Input: "what's the current ethereum gas price?"
Output: {"intent": "get gas price", "contract": null, "eoa": null}`

const planSystemPrompt = `You are a blockchain expert who creates structured plans for achieving a user's goal by calling smart contract functions.

You will create a structured plan that:
1. Has a clear goal
2. Lists specific function calls to make, using only the available read-only functions
3. Explains why each call is useful
4. Uses actual parameter values passed in instead of placeholders

When an input depends on the output of an earlier step, leave "value" empty and set
"reference" to {"step": <zero-based index of that earlier step>, "function": <its function name>}.`

const critiqueSystemPrompt = `You are a meticulous smart contract auditor who reviews execution plans before they run.
Check that every step calls an available read-only function, that every required input is provided
with a concrete value or a reference to an earlier step, that steps are ordered so references only
point backwards, and that the final step's expected output answers the goal.
Set isValid to true only if the plan can be executed as written. Otherwise explain what to fix in feedback.`

var intentTool = llm.Tool{
	Name:        "extract_contract_intent",
	Description: "Extract structured intent data from user query",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent":   map[string]any{"type": "string"},
			"contract": map[string]any{"type": []string{"string", "null"}},
			"eoa":      map[string]any{"type": []string{"string", "null"}},
		},
		"required": []string{"intent", "contract"},
	},
}

var planTool = llm.Tool{
	Name:        "create_execution_plan",
	Description: "Create a structured plan for exploring a smart contract",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"functionName": map[string]any{"type": "string"},
						"description":  map[string]any{"type": "string"},
						"inputs": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"name":  map[string]any{"type": "string"},
									"type":  map[string]any{"type": "string"},
									"value": map[string]any{},
									"reference": map[string]any{
										"type": "object",
										"properties": map[string]any{
											"step":     map[string]any{"type": "integer"},
											"function": map[string]any{"type": "string"},
										},
										"required": []string{"step"},
									},
								},
								"required": []string{"name", "type"},
							},
						},
						"expectedOutput": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"type":        map[string]any{"type": "string"},
								"description": map[string]any{"type": "string"},
							},
							"required": []string{"type", "description"},
						},
					},
					"required": []string{"functionName", "description", "inputs", "expectedOutput"},
				},
			},
			"goal": map[string]any{"type": "string"},
		},
		"required": []string{"steps", "goal"},
	},
}

var critiqueTool = llm.Tool{
	Name:        "critique_execution_plan",
	Description: "Judge whether an execution plan can be executed as written",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"isValid":  map[string]any{"type": "boolean"},
			"feedback": map[string]any{"type": "string"},
		},
		"required": []string{"isValid", "feedback"},
	},
}
