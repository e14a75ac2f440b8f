package processing

// Template names
const (
	TemplateSystem      = "system"
	TemplateAnalysis    = "analysis"
	TemplateDimensions  = "dimensions"
	TemplateVagueness   = "vagueness"
	TemplateQuestion    = "question"
	TemplateCompletion  = "completion"
	TemplateReconstruct = "reconstruct"
	TemplateAggregate   = "aggregate"
	TemplateIntent      = "intent"
	TemplateEnhance     = "enhance"
	TemplateIngredients = "ingredients"
)

// defaultTemplates are used for any name not overridden in config.
var defaultTemplates = map[string]string{
	TemplateSystem: `You are an intelligent formulation assistant that learns from each user response. ` +
		`Ask exactly one question at a time, adapting based on what the user has already told you. ` +
		`Each question must be exactly one sentence and reference what the user said. ` +
		`Be conversational and build on previous information. ` +
		`IMPORTANT: We have a maximum of {{.MaxExchanges}} exchanges total. ` +
		`Be efficient and focus on the most critical missing information.`,

	TemplateAnalysis: `Analyze the user's response and the conversation context to determine:

1. What information has been provided (be specific)
2. What information is still missing
3. How to intelligently ask for the next piece of information
4. Whether we have enough information to proceed (considering we have limited exchanges)

Conversation so far:
{{transcript .History}}
User's latest response: "{{.Text}}"

IMPORTANT: We have a maximum of {{.MaxExchanges}} exchanges total and this is exchange {{.ExchangeCount}}.
If we're approaching this limit, be more aggressive about determining we have enough information.
Focus on the most critical missing information only.

Return a JSON object with:
- "provided_info": an object mapping each dimension the user gave to what they said
- "missing_info": an array of what's still needed (most important first)
- "next_question_rationale": why we should ask the next question
- "confidence": how confident we are (0-1)
- "ready_for_formulation": boolean (true if we have enough info or are approaching the limit)`,

	TemplateDimensions: `Identify which of these four categories the user's text covers and return a JSON array of their names:
 1. product_type (what specific product they want to create)
 2. achievement_goal (what they want to achieve or the benefits they want)
 3. target_audience (who the product is for)
 4. special_ingredients (any specific ingredients they want to use)

IMPORTANT: Be strict about coverage. If the user says "I want a cream" but doesn't specify what type of cream (moisturizer, anti-aging, cleanser, etc.), then product_type is NOT covered.

User text:
"""{{.Text}}"""`,

	TemplateVagueness: `Is the following user response vague, general, or non-committal (e.g., 'maybe', 'not sure', 'local flavor', 'spices', 'traditional', 'anything is fine', 'open to suggestions')?
User response: "{{.Text}}"
Return true if it is vague or general, otherwise false. Respond with only 'true' or 'false'.`,

	TemplateQuestion: `Based on the conversation analysis, generate the next intelligent question.

Analysis: {{.Analysis}}
Exchange count: {{.ExchangeCount}}/{{.MaxExchanges}}
Remaining exchanges: {{.RemainingExchanges}}

Conversation history:
{{transcript .History}}
Generate a single, conversational question that:
1. References what the user has already told us
2. Asks for the most critical missing information
3. Feels natural and builds on the conversation
4. Is exactly one sentence
5. Is efficient given we have limited exchanges remaining

If we're near the limit, ask for the most critical piece of information only.`,

	TemplateCompletion: `The user has provided sufficient information: "{{.Text}}"
Generate a brief, enthusiastic completion message (exactly one sentence) that acknowledges we have enough information and will proceed to create their perfect formulation.`,

	TemplateReconstruct: `Based on the following conversation, create a single, concise, actionable paragraph for a formulation request.
- Do NOT include any pleasantries, 'please', 'request', 'additionally', or extra instructions.
- Do NOT include any bullet points, lists, or further breakdowns.
- Output ONLY the first, direct, actionable paragraph that summarizes the user's intent for the formulation.
- No greetings, no closing statements, no extra context.

User statements: {{.Text}}

Conversation:
{{transcript .History}}
Output a single, concise, actionable paragraph (no more than 3-4 lines).`,

	TemplateAggregate: `Based on this conversation, create a structured summary of what the user wants.

Conversation:
{{transcript .History}}
Extract and organize the information into these four dimensions:
1. product_type: What specific product they want to create
2. achievement_goal: What they want to achieve or the benefits they want
3. target_audience: Who the product is for
4. special_ingredients: Any specific ingredients they want to use

Return a JSON object with these four keys, each containing a clear summary.`,

	TemplateIntent: `Analyze the following user query for natural ingredient formulation and extract key information:

User Query: "{{.Text}}"

Provide a JSON object with this structure:
{
  "intent": "the main goal (e.g. 'skincare', 'hair care', 'body care', 'makeup', 'supplements')",
  "target_audience": "who this is for (e.g. 'sensitive skin', 'dry hair', 'aging skin')",
  "product_type": "the product type (e.g. 'cleanser', 'moisturizer', 'serum', 'shampoo')",
  "specific_concerns": ["specific skin/hair/body concerns"],
  "ingredient_preferences": ["preferred ingredient types (e.g. 'organic', 'vegan', 'fragrance-free')"],
  "missing_context": ["important information that seems to be missing"],
  "suggestions": ["suggestions to improve the query"],
  "complexity_level": "the formulation complexity needed"
}

Focus on natural, clean, and organic ingredients. Be specific about what information is missing.`,

	TemplateEnhance: `Based on the following analysis, create a comprehensive, detailed query for generating natural ingredient formulations:

Original Query: "{{.Text}}"

Intent Analysis: {{.Analysis}}

Create an enhanced query that:
1. Includes all the specific details from the intent analysis
2. Adds missing context automatically
3. Specifies the type of ingredients needed (natural, organic, clean)
4. Includes safety considerations
5. Mentions any specific benefits or properties required
6. Specifies the formulation complexity level
7. Includes any relevant contraindications or warnings

Return only the enhanced query text, no JSON formatting.`,

	TemplateIngredients: `Based on the following detailed query, provide a comprehensive list of 100% clean, natural ingredients for formulation.

Query: {{.Text}}

Return ONLY a valid JSON array of objects with this exact structure (no additional text, no markdown formatting):
[
  {
    "name": "ingredient name",
    "attributes": {
      "benefits": "specific benefits and properties",
      "usage": "how to use in formulation",
      "safety": "safety considerations and warnings",
      "concentration": "recommended concentration range",
      "compatibility": "what ingredients it works well with",
      "contraindications": "when not to use",
      "source": "natural source information",
      "certification": "organic/certification status if applicable"
    }
  }
]

Focus on natural, organic and sustainable ingredients, safety and efficacy, usage guidelines, compatibility and concentration recommendations.`,
}
