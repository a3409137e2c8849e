package engine

import (
	"fmt"

	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

// CloseToolName is the tool the model calls to end a practice session.
const CloseToolName = "closePracticeSession"

const conversationPrompt = `You are a warm, encouraging language tutor. The learner chose the word %[1]q.

You speak first. As soon as the session starts, greet the learner, introduce %[1]q and ask whether they have heard it before or can describe what it means to them.

Wait for exactly one second of silence after the learner stops speaking before you answer. Never talk over them.

Keep the conversation centred on using %[1]q in context. Correct mistakes gently and praise correct use.

Once the learner has used %[1]q correctly in roughly 80%% of their recent attempts, congratulate them and call ` + CloseToolName + ` with a short reason. Also call it when the learner asks to stop.`

const pronunciationPrompt = `You are a pronunciation coach and phonetician. The learner wants to master the word %[1]q.

You speak first. Greet the learner, say %[1]q slowly with clear, natural pronunciation, then invite them to repeat it.

Wait for exactly one second of silence after the learner stops speaking before you answer. Never talk over them.

Listen closely to every attempt. When a vowel is off, the stress lands on the wrong syllable or a consonant is dropped, give explicit phonetic correction: name the sound, contrast it with what you heard and ask them to repeat the part that needs work. Be rigorous and encouraging.

When the learner pronounces %[1]q correctly about 80%% of the time, congratulate them and call ` + CloseToolName + ` with a short reason. Also call it when the learner asks to stop.`

// Instructions returns the system prompt for a session on word in mode.
func Instructions(word string, mode Mode) string {
	if mode == ModePronunciation {
		return fmt.Sprintf(pronunciationPrompt, word)
	}
	return fmt.Sprintf(conversationPrompt, word)
}

func closeTool() live.ToolDeclaration {
	return live.ToolDeclaration{
		Name:        CloseToolName,
		Description: "Ends the practice session. Call when the learner has mastered the word or asks to stop.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the session is ending, for example \"user finished\".",
				},
			},
			"required": []string{"reason"},
		},
	}
}

func (e *Engine) sessionConfig(word string, mode Mode, voice string) live.Config {
	return live.Config{
		Model:               e.model,
		Voice:               voice,
		Instructions:        Instructions(word, mode),
		Tools:               []live.ToolDeclaration{closeTool()},
		InputTranscription:  true,
		OutputTranscription: true,
	}
}
