package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// TopicCandidate is a topic proposed by the LLM.
type TopicCandidate struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Confidence        float64  `json:"confidence"`
	Keywords          []string `json:"keywords"`
	RelatedMessageIDs []string `json:"related_message_ids"`
}

// Text is the embedding text of a topic.
func (t TopicCandidate) Text() string {
	return strings.TrimSpace(t.Name + "\n" + t.Description)
}

// LinkRef is an explicit link to another atom, by title.
type LinkRef struct {
	Title string
	Type  models.LinkType
}

// AtomCandidate is an atom proposed by the LLM.
type AtomCandidate struct {
	Type              models.AtomType   `json:"type"`
	Title             string            `json:"title"`
	Content           string            `json:"content"`
	Confidence        float64           `json:"confidence"`
	TopicName         string            `json:"topic_name"`
	RelatedMessageIDs []string          `json:"related_message_ids"`
	LinksToAtomTitles []string          `json:"links_to_atom_titles"`
	LinkTypes         []models.LinkType `json:"link_types"`
}

// Text is the embedding text of an atom.
func (a AtomCandidate) Text() string {
	return strings.TrimSpace(a.Title + "\n" + a.Content)
}

// Links pairs link titles with their types. Missing types default to relates_to.
func (a AtomCandidate) Links() []LinkRef {
	refs := make([]LinkRef, 0, len(a.LinksToAtomTitles))
	for i, title := range a.LinksToAtomTitles {
		if strings.TrimSpace(title) == "" {
			continue
		}
		lt := models.LinkRelatesTo
		if i < len(a.LinkTypes) {
			lt = a.LinkTypes[i]
		}
		refs = append(refs, LinkRef{Title: strings.TrimSpace(title), Type: lt})
	}
	return refs
}

// Output is the validated candidate set of one batch.
type Output struct {
	Topics []TopicCandidate `json:"topics"`
	Atoms  []AtomCandidate  `json:"atoms"`
}

// Prose concatenates the free text of the output for language detection.
func (o Output) Prose() string {
	var parts []string
	for _, t := range o.Topics {
		parts = append(parts, t.Name, t.Description)
	}
	for _, a := range o.Atoms {
		parts = append(parts, a.Title, a.Content)
	}
	return strings.Join(parts, "\n")
}

// rawOutput mirrors Output with pointers so missing fields can be told apart from
// empty ones.
type rawOutput struct {
	Topics *[]rawTopic `json:"topics"`
	Atoms  *[]rawAtom  `json:"atoms"`
}

type rawTopic struct {
	Name              *string   `json:"name"`
	Description       *string   `json:"description"`
	Confidence        *float64  `json:"confidence"`
	Keywords          *[]string `json:"keywords"`
	RelatedMessageIDs *[]string `json:"related_message_ids"`
}

type rawAtom struct {
	Type              *string   `json:"type"`
	Title             *string   `json:"title"`
	Content           *string   `json:"content"`
	Confidence        *float64  `json:"confidence"`
	TopicName         *string   `json:"topic_name"`
	RelatedMessageIDs *[]string `json:"related_message_ids"`
	LinksToAtomTitles *[]string `json:"links_to_atom_titles"`
	LinkTypes         *[]string `json:"link_types"`
}

// StripFence removes an enclosing markdown code fence, with or without a
// language tag.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimLeft(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Parse strips a code fence, decodes strictly and validates the result.
// Every failure wraps ErrInvalidOutput.
func Parse(text string) (*Output, error) {
	body := StripFence(text)
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()

	var raw rawOutput
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidOutput, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidOutput)
	}

	var errs []error
	if raw.Topics == nil {
		errs = append(errs, errors.New("missing topics"))
	}
	if raw.Atoms == nil {
		errs = append(errs, errors.New("missing atoms"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, errors.Join(errs...))
	}

	out := &Output{Topics: []TopicCandidate{}, Atoms: []AtomCandidate{}}
	for i, rt := range *raw.Topics {
		t, err := rt.validate()
		if err != nil {
			errs = append(errs, fmt.Errorf("topics[%d]: %w", i, err))
			continue
		}
		out.Topics = append(out.Topics, t)
	}
	for i, ra := range *raw.Atoms {
		a, err := ra.validate()
		if err != nil {
			errs = append(errs, fmt.Errorf("atoms[%d]: %w", i, err))
			continue
		}
		out.Atoms = append(out.Atoms, a)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, errors.Join(errs...))
	}
	return out, nil
}

func (r rawTopic) validate() (TopicCandidate, error) {
	var errs []error
	if r.Name == nil || strings.TrimSpace(*r.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if r.Description == nil {
		errs = append(errs, errors.New("description is required"))
	}
	errs = append(errs, checkConfidence(r.Confidence))
	if r.Keywords == nil {
		errs = append(errs, errors.New("keywords is required"))
	}
	if r.RelatedMessageIDs == nil {
		errs = append(errs, errors.New("related_message_ids is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return TopicCandidate{}, err
	}
	return TopicCandidate{
		Name:              strings.TrimSpace(*r.Name),
		Description:       strings.TrimSpace(*r.Description),
		Confidence:        *r.Confidence,
		Keywords:          *r.Keywords,
		RelatedMessageIDs: *r.RelatedMessageIDs,
	}, nil
}

func (r rawAtom) validate() (AtomCandidate, error) {
	var errs []error
	var atomType models.AtomType
	if r.Type == nil {
		errs = append(errs, errors.New("type is required"))
	} else if t, err := models.ParseAtomType(*r.Type); err != nil {
		errs = append(errs, err)
	} else if !t.Extractable() {
		errs = append(errs, fmt.Errorf("atom type %q cannot be extracted", t))
	} else {
		atomType = t
	}
	if r.Title == nil || strings.TrimSpace(*r.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if r.Content == nil || strings.TrimSpace(*r.Content) == "" {
		errs = append(errs, errors.New("content is required"))
	}
	errs = append(errs, checkConfidence(r.Confidence))
	if r.TopicName == nil {
		errs = append(errs, errors.New("topic_name is required"))
	}
	if r.RelatedMessageIDs == nil {
		errs = append(errs, errors.New("related_message_ids is required"))
	}
	if r.LinksToAtomTitles == nil {
		errs = append(errs, errors.New("links_to_atom_titles is required"))
	}
	var linkTypes []models.LinkType
	if r.LinkTypes == nil {
		errs = append(errs, errors.New("link_types is required"))
	} else {
		for _, s := range *r.LinkTypes {
			lt, err := models.ParseLinkType(s)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			linkTypes = append(linkTypes, lt)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return AtomCandidate{}, err
	}
	return AtomCandidate{
		Type:              atomType,
		Title:             strings.TrimSpace(*r.Title),
		Content:           strings.TrimSpace(*r.Content),
		Confidence:        *r.Confidence,
		TopicName:         strings.TrimSpace(*r.TopicName),
		RelatedMessageIDs: *r.RelatedMessageIDs,
		LinksToAtomTitles: *r.LinksToAtomTitles,
		LinkTypes:         linkTypes,
	}, nil
}

func checkConfidence(c *float64) error {
	if c == nil {
		return errors.New("confidence is required")
	}
	if *c < 0 || *c > 1 {
		return fmt.Errorf("confidence %g out of range [0,1]", *c)
	}
	return nil
}
