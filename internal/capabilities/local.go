package capabilities

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"storyreel/internal/models"
)

var (
	sentenceRe  = regexp.MustCompile(`[^.!?]+[.!?]*`)
	wordRe      = regexp.MustCompile(`[\p{L}']+`)
	settingRe   = regexp.MustCompile(`(?i)\b(?:at|in|on|into|inside|near|through|to)\s+((?:a|an|the)\s+[\p{L}]+(?:\s+[\p{L}]+)?)`)
	describedRe = regexp.MustCompile(`^\s*,?\s*(?:a|an|the)\s+([^,.;]+)`)
)

// Words that start a new scene when they open a sentence.
var transitionWords = map[string]bool{
	"then": true, "later": true, "next": true, "afterwards": true, "afterward": true,
	"meanwhile": true, "finally": true, "eventually": true, "suddenly": true,
	"soon": true, "tomorrow": true, "tonight": true,
}

// Capitalised words that are never character names.
var notNames = map[string]bool{
	"i": true, "the": true, "a": true, "an": true, "and": true, "but": true,
	"he": true, "she": true, "they": true, "we": true, "it": true, "his": true, "her": true,
	"their": true, "one": true, "two": true, "three": true, "mr": true, "mrs": true, "ms": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true, "god": true,
}

var pronouns = map[string]bool{
	"he": true, "she": true, "they": true, "him": true, "her": true, "them": true,
	"his": true, "their": true, "together": true,
}

var toneWords = []struct{ stem, tone string }{
	{"happy", "cheerful"}, {"laugh", "cheerful"}, {"smile", "cheerful"}, {"joy", "cheerful"},
	{"meet", "warm"}, {"friend", "warm"}, {"love", "warm"},
	{"walk", "calm"}, {"quiet", "calm"}, {"rest", "calm"},
	{"dark", "somber"}, {"cry", "somber"}, {"lost", "somber"}, {"alone", "somber"},
	{"run", "tense"}, {"fight", "tense"}, {"storm", "tense"}, {"danger", "tense"}, {"fear", "tense"},
}

// LocalAnalyzer is a deterministic, offline TextAnalyzer based on simple
// heuristics. It is meant for development and tests without model access.
type LocalAnalyzer struct{}

func NewLocalAnalyzer() *LocalAnalyzer {
	return &LocalAnalyzer{}
}

func (LocalAnalyzer) ExtractCharacters(ctx context.Context, text string) ([]models.Character, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []models.Character
	seen := map[string]int{}
	for _, sentence := range splitSentences(text) {
		locs := wordRe.FindAllStringIndex(sentence, -1)
		for i, loc := range locs {
			word := sentence[loc[0]:loc[1]]
			if i == 0 || !isName(word) {
				continue
			}
			desc := ""
			if m := describedRe.FindStringSubmatch(sentence[loc[1]:]); m != nil {
				desc = strings.TrimSpace(m[1])
			}
			if idx, ok := seen[strings.ToLower(word)]; ok {
				if desc != "" {
					out[idx].Description = desc
				}
				continue
			}
			if desc == "" {
				desc = fmt.Sprintf("%s, a character in the story", word)
			}
			seen[strings.ToLower(word)] = len(out)
			out = append(out, models.Character{Name: word, Description: desc})
		}
	}
	return out, nil
}

func (LocalAnalyzer) SegmentScenes(ctx context.Context, text string, characters []models.Character) ([]models.Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var groups [][]string
	for _, paragraph := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		startParagraph := true
		for _, sentence := range splitSentences(paragraph) {
			if startParagraph || startsWithTransition(sentence) || len(groups) == 0 {
				groups = append(groups, nil)
				startParagraph = false
			}
			groups[len(groups)-1] = append(groups[len(groups)-1], sentence)
		}
	}

	scenes := make([]models.Scene, 0, len(groups))
	var previous []string
	for i, g := range groups {
		sceneText := strings.Join(g, " ")
		present := mentioned(sceneText, characters)
		if len(present) == 0 && mentionsPronoun(sceneText) {
			present = append([]string(nil), previous...)
		}
		scenes = append(scenes, models.Scene{
			Index:             i,
			Text:              sceneText,
			Summary:           g[0],
			Setting:           settingOf(sceneText),
			CharactersPresent: present,
			Tone:              toneOf(sceneText),
		})
		previous = present
	}
	return scenes, nil
}

func (LocalAnalyzer) InferStyle(ctx context.Context, _ string, scenes []models.Scene) (models.VisualStyle, error) {
	if err := ctx.Err(); err != nil {
		return models.VisualStyle{}, err
	}

	counts := map[string]int{}
	dominant := "neutral"
	for _, s := range scenes {
		counts[s.Tone]++
		if counts[s.Tone] > counts[dominant] {
			dominant = s.Tone
		}
	}
	return models.VisualStyle{
		Description: fmt.Sprintf("storybook watercolor illustration, soft lighting, %s palette, consistent character designs", dominant),
	}, nil
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isName(word string) bool {
	r := []rune(word)
	if len(r) < 2 || !unicode.IsUpper(r[0]) {
		return false
	}
	for _, c := range r[1:] {
		if !unicode.IsLower(c) {
			return false
		}
	}
	return !notNames[strings.ToLower(word)]
}

func startsWithTransition(sentence string) bool {
	first := wordRe.FindString(sentence)
	return transitionWords[strings.ToLower(first)]
}

func mentioned(text string, characters []models.Character) []string {
	words := map[string]bool{}
	for _, w := range wordRe.FindAllString(text, -1) {
		words[strings.ToLower(w)] = true
	}
	var out []string
	for _, c := range characters {
		if words[strings.ToLower(c.Name)] {
			out = append(out, c.Name)
		}
	}
	return out
}

func mentionsPronoun(text string) bool {
	for _, w := range wordRe.FindAllString(text, -1) {
		if pronouns[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

func settingOf(text string) string {
	matches := settingRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "unspecified"
	}
	return strings.ToLower(matches[len(matches)-1][1])
}

func toneOf(text string) string {
	for _, w := range wordRe.FindAllString(text, -1) {
		lw := strings.ToLower(w)
		for _, t := range toneWords {
			if strings.HasPrefix(lw, t.stem) {
				return t.tone
			}
		}
	}
	return "neutral"
}
