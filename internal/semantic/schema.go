package semantic

// decisionSchema constrains the classifier output. The same document is sent
// to the local model as the response format and compiled for validation.
const decisionSchema = `{
  "type": "object",
  "required": ["intent", "confidence"],
  "properties": {
    "intent": {
      "type": "string",
      "enum": ["CHAT", "ACT", "ASK_CLARIFY"]
    },
    "confidence": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    },
    "memory_item": {
      "type": ["object", "null"],
      "required": ["kind", "text", "evidence"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["user_profile", "assistant_profile", "user_preference", "other"]
        },
        "text": {"type": "string"},
        "evidence": {"type": "string"}
      }
    },
    "plan_hint": {
      "type": "array",
      "items": {
        "type": "string",
        "enum": [
          "CHAT_RESPONSE", "CLARIFY_QUESTION", "WEB_RESEARCH", "BROWSER_RESEARCH_UI",
          "COMPUTER_ACTIONS", "DOCUMENT_WRITE", "FILE_ORGANIZE", "CODE_ASSIST",
          "MEMORY_COMMIT", "REMINDER_CREATE", "SMOKE_RUN"
        ]
      }
    },
    "response_style_hint": {"type": "string"},
    "user_visible_note": {"type": "string"}
  }
}`
