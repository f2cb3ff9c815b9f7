package classify

import (
	"strings"

	"github.com/dotsetgreg/dottask/pkg/tasks"
)

// stopWords are verbs and filler that any task title may contain without
// being grounded in the source message.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an the and or but of to in on at by for from with about into onto over
		re fw fwd your my our their his her its this that these those it
		reply respond review schedule follow up send check call email message
		book confirm pay update contact ask tell remind get make set plan
		read sign submit finish complete prepare arrange discuss share look
		back out please today tomorrow week`) {
		stopWords[w] = struct{}{}
	}
}

// Grounding scores how much of a suggested title is backed by the source
// text: the share of the title's content words that equal a source word or,
// when at least three characters long, appear inside one. Source words are
// never matched inside title words, so filler like "and" cannot ground
// "Andrew". A title with no content words scores 1.
func Grounding(title, source string) float64 {
	var content []string
	for _, w := range strings.Fields(tasks.Normalize(title)) {
		if _, stop := stopWords[w]; !stop {
			content = append(content, w)
		}
	}
	if len(content) == 0 {
		return 1
	}
	sourceWords := strings.Fields(tasks.Normalize(source))
	matched := 0
	for _, w := range content {
		if groundedWord(w, sourceWords) {
			matched++
		}
	}
	return float64(matched) / float64(len(content))
}

func groundedWord(w string, source []string) bool {
	for _, s := range source {
		if s == w {
			return true
		}
		if len(w) >= 3 && strings.Contains(s, w) {
			return true
		}
	}
	return false
}
