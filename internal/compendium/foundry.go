package compendium

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/runeforge/internal/document"
)

// foundryWorld is the part of a Foundry VTT world export we read. Unknown
// fields are ignored.
type foundryWorld struct {
	Items  []foundryItem  `json:"items"`
	Actors []foundryActor `json:"actors"`
}

type foundryItem struct {
	ID     string          `json:"_id"`
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Img    string          `json:"img"`
	System json.RawMessage `json:"system"`
	Flags  json.RawMessage `json:"flags"`
}

type foundryActor struct {
	ID     string         `json:"_id"`
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	System map[string]any `json:"system"`
	Items  []foundryItem  `json:"items"`
}

// foundrySystemFields are the item system keys modelled by
// [document.ItemSystem]. Everything else lands in Details.
var foundrySystemFields = map[string]bool{
	"slug": true, "level": true, "category": true, "traits": true, "rules": true, "schema": true,
}

// ImportSummary counts what [ImportFoundryVTT] imported.
type ImportSummary struct {
	Items   int
	Actors  int
	Skipped int
}

// ActorSaver is implemented by destinations that also accept actors.
type ActorSaver interface {
	SaveActor(ctx context.Context, actor *document.Actor) error
}

// ImportFoundryVTT imports a Foundry VTT world export. World items are written
// to dst as "Item.<id>" references. When dst also implements [ActorSaver],
// actors are saved together with their embedded items.
//
// Documents of unknown types are skipped and counted. An error from dst
// aborts the import and returns the summary so far.
func ImportFoundryVTT(ctx context.Context, dst document.Importer, r io.Reader, logger *slog.Logger) (ImportSummary, error) {
	var sum ImportSummary
	if logger == nil {
		logger = slog.Default()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return sum, fmt.Errorf("compendium: foundry vtt: read input: %w", err)
	}
	var world foundryWorld
	if err := json.Unmarshal(data, &world); err != nil {
		return sum, fmt.Errorf("compendium: foundry vtt: parse json: %w", err)
	}

	for _, fi := range world.Items {
		src, ok := fi.toSource()
		if !ok {
			logger.Warn("compendium: foundry vtt: skipping item", "name", fi.Name, "type", fi.Type)
			sum.Skipped++
			continue
		}
		ref := Reference{Pack: WorldPack, DocumentType: "Item", ID: src.ID}.String()
		if err := dst.PutReference(ctx, ref, src); err != nil {
			return sum, fmt.Errorf("compendium: foundry vtt: import item %q: %w", fi.Name, err)
		}
		sum.Items++
	}

	saver, ok := dst.(ActorSaver)
	if !ok {
		return sum, nil
	}
	for _, fa := range world.Actors {
		actor := &document.Actor{ID: fa.ID, Name: fa.Name, Type: document.ActorType(fa.Type), System: fa.System}
		if actor.Name == "" || !actor.Type.IsValid() {
			logger.Warn("compendium: foundry vtt: skipping actor", "name", fa.Name, "type", fa.Type)
			sum.Skipped++
			continue
		}
		for _, fi := range fa.Items {
			if src, ok := fi.toSource(); ok {
				actor.Items = append(actor.Items, src)
			} else {
				sum.Skipped++
			}
		}
		if err := saver.SaveActor(ctx, actor); err != nil {
			return sum, fmt.Errorf("compendium: foundry vtt: import actor %q: %w", fa.Name, err)
		}
		sum.Actors++
	}
	return sum, nil
}

// toSource maps a Foundry item onto an item source. Foundry nests most
// scalars one level deeper ("level": {"value": 1}); gjson reads both shapes.
func (fi foundryItem) toSource() (*document.ItemSource, bool) {
	t := document.ItemType(fi.Type)
	if fi.Name == "" || !t.IsValid() {
		return nil, false
	}
	sys := gjson.ParseBytes(fi.System)
	src := &document.ItemSource{
		ID:   fi.ID,
		Name: fi.Name,
		Type: t,
		Img:  fi.Img,
		System: document.ItemSystem{
			Slug:     sys.Get("slug").String(),
			Level:    int(nested(sys, "level").Int()),
			Category: sys.Get("category").String(),
			Schema:   document.Schema{Version: sys.Get("schema.version").Float()},
		},
	}
	if src.ID == "" {
		src.ID = document.Sluggify(fi.Name)
	}
	for _, tr := range nested(sys, "traits").Array() {
		src.System.Traits = append(src.System.Traits, tr.String())
	}
	for _, rule := range sys.Get("rules").Array() {
		if m, ok := rule.Value().(map[string]any); ok {
			src.System.Rules = append(src.System.Rules, m)
		}
	}
	sys.ForEach(func(k, v gjson.Result) bool {
		if !foundrySystemFields[k.String()] {
			if src.System.Details == nil {
				src.System.Details = make(map[string]any)
			}
			src.System.Details[k.String()] = v.Value()
		}
		return true
	})

	flags := gjson.ParseBytes(fi.Flags)
	src.Flags.SourceID = flags.Get("core.sourceId").String()
	if g := flags.Get("pf2e.grantedBy"); g.Exists() {
		src.Flags.GrantedBy = &document.GrantedBy{
			ID:       g.Get("id").String(),
			OnDelete: document.DeleteAction(g.Get("onDelete").String()),
		}
	}
	// Newer exports key grants by name instead of listing them.
	flags.Get("pf2e.itemGrants").ForEach(func(_, g gjson.Result) bool {
		if id := g.Get("id").String(); id != "" {
			src.Flags.ItemGrants = append(src.Flags.ItemGrants, document.ItemGrant{ID: id})
		}
		return true
	})
	if sel := flags.Get("pf2e.rulesSelections"); sel.IsObject() {
		src.Flags.RulesSelections, _ = sel.Value().(map[string]any)
	}
	if document.Validate(src) != nil {
		return nil, false
	}
	return src, true
}

// nested returns v.<key>.value when present, else v.<key>.
func nested(v gjson.Result, key string) gjson.Result {
	r := v.Get(key)
	if r.IsObject() {
		return r.Get("value")
	}
	return r
}
