package lexicon

import "fmt"

// IllustrationAspect is the aspect ratio used for word illustrations.
const IllustrationAspect = "16:9"

// DefaultAnimatePrompt is used by [Service.Animate] when no prompt is given.
const DefaultAnimatePrompt = "Animate this image subtly to bring it to life."

// AnimateWordPrompt asks for an animation of word's illustration.
func AnimateWordPrompt(word string) string {
	return fmt.Sprintf("Animate the word %q.", word)
}

// FallbackSuggestions is returned by [Service.Suggest] when the generator's
// answer cannot be used.
var FallbackSuggestions = []string{"Resilient", "Eloquent", "Paradigm", "Pragmatic", "Ephemeral"}

func definePrompt(word string) string {
	return fmt.Sprintf("Define the word %q for a visual dictionary. Provide the phonetics (IPA), "+
		"definition, part of speech, and one clear illustrative example.", word)
}

func suggestPrompt(level Level) string {
	return fmt.Sprintf("Suggest 5 interesting and useful words for a student at the %s level. "+
		"Only return a JSON array of strings.", level)
}

const wordOfTheDayPrompt = "Pick an interesting, slightly challenging word for a 'Word of the Day' feature. " +
	"Provide the word, its phonetics (IPA), its definition, part of speech, and a clear illustrative example."

func illustratePrompt(word, description string) string {
	return fmt.Sprintf("Create a highly educational, clear, and beautiful visual representation for the word %q. "+
		"The scene should clearly depict the concept of: %s. High quality, cinematic lighting, conceptual art style.",
		word, description)
}

// entrySchema describes an [Entry]. withWord adds the word itself as a
// required property, for prompts where the model picks the word.
func entrySchema(withWord bool) map[string]any {
	props := map[string]any{
		"phonetics":    map[string]any{"type": "string"},
		"definition":   map[string]any{"type": "string"},
		"partOfSpeech": map[string]any{"type": "string"},
		"example":      map[string]any{"type": "string"},
	}
	required := []string{"phonetics", "definition", "partOfSpeech", "example"}
	if withWord {
		props["word"] = map[string]any{"type": "string"}
		required = append([]string{"word"}, required...)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

var suggestionSchema = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string"},
}
