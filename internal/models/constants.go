package models

const (
	NoInfoAnswer = "The provided documents do not contain this information."
	PageBreak    = "\f"
	ThinkTag     = `(?s)<think>.*?</think>`
	JSONFence    = "(?s)```(?:json)?\\s*(.*?)\\s*```"
)

var (
	RAGSystemPrompt = `You are a retrieval-augmented answering engine for a multi-document question answering system.

Answer the user's question using ONLY the retrieved document chunks provided in the user message.
Never use prior knowledge, assumptions or outside information.

Rules:
1. Use only the retrieved chunks. Do not infer, guess or complete missing information.
2. If the retrieved chunks do not contain the answer, the answer must be exactly:
   "` + NoInfoAnswer + `"
3. Every statement in the answer must be supported by at least one retrieved chunk.
   Only cite chunk_id values that appear in the retrieved chunks.
4. You may combine information from several documents. List every chunk you used.

Return ONLY a JSON object in this exact shape, with no markdown and no text outside it:
{
  "answer": "<concise, factual answer based strictly on the retrieved chunks>",
  "sources": [
    {"document_name": "<document_name>", "page": <page_number>, "chunk_id": "<chunk_id>"}
  ]
}

When the information is missing:
{"answer": "` + NoInfoAnswer + `", "sources": []}`

	UserPromptTemplate = `### User Question
%s

### Retrieved Document Chunks
%s

### Instructions
Based ONLY on the retrieved document chunks above, answer the user's question.
Return a JSON object with "answer" and "sources" fields.
If the answer is not in the chunks, respond with the no-information message.`

	ChunkContextTemplate = `--- Retrieved Chunk %d ---
document_name: %s
page_number: %d
chunk_id: %s
text: %s
`
)
