package copier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/norpie/dynops/internal/errs"
	"github.com/norpie/dynops/internal/odata"
)

// ChangesetChunkSize is the largest Operations bundle submitted as a
// single $batch request (spec §4.7 Chunking, Glossary "Changeset chunk").
const ChangesetChunkSize = 75

// neutralConditionStatus is the status code conditions are created with,
// before being PATCHed back to their source statuscode in the publish
// stage (spec §4.8 step 11). Avoids triggering status-dependent business
// logic while referenced questions are still being created.
const neutralConditionStatus = 1

// BatchExecutor is the subset of the resilient client the copier drives.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, ops odata.Operations) ([]odata.OperationResult, error)
}

// Record pairs a source record's old GUID with its raw attribute bag.
type Record struct {
	ID   string
	Data RawRecord
}

// ClassificationRef is one N:N association to create in stage 10.
type ClassificationRef struct {
	NavigationProperty string
	TargetEntitySet    string
	TargetID           string
}

// Graph is the full source aggregate to copy, already fetched by the
// caller in dependency order (spec §4.8).
type Graph struct {
	Root             Record
	Pages            []Record
	PageLines        []Record
	Groups           []Record
	GroupLines       []Record
	Questions        []Record
	TemplateLines    []Record
	Conditions       []Record
	ConditionActions []Record
	Classifications  []ClassificationRef
}

// StageSchema names the entity set and primary-key attribute for one
// stage's records.
type StageSchema struct {
	EntitySet  string
	PrimaryKey string
}

// Schema binds the copier to a concrete entity model. LookupEntitySets
// maps each lookup field's base name to the entity set it targets (e.g.
// "nrq_questionnaireid" -> "nrq_questionnaires"), so the whole Schema,
// table included, can be loaded from a JSON file rather than wired in Go.
type Schema struct {
	Root             StageSchema
	Pages            StageSchema
	PageLines        StageSchema
	Groups           StageSchema
	GroupLines       StageSchema
	Questions        StageSchema
	TemplateLines    StageSchema
	Conditions       StageSchema
	ConditionActions StageSchema
	RootEntitySet    string // used for AssociateRef's owning entity in stage 10
	LookupEntitySets EntitySetTable
}

// Result is returned on a successful run.
type Result struct {
	RootID  string // new GUID of the copied root
	IDMap   map[string]string
	Created []CreatedRecord
	Counts  map[string]uint32
}

// Copier drives one run of the staged copy state machine.
type Copier struct {
	client      BatchExecutor
	schema      Schema
	publisher   ProgressPublisher
	manifestDir string

	state     *State
	rootOldID string
}

// New builds a Copier. manifestDir is where an orphan manifest CSV is
// written if rollback cannot fully undo a failed run; pass "" to use the
// user's Downloads directory.
func New(client BatchExecutor, schema Schema, publisher ProgressPublisher, manifestDir string) *Copier {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Copier{client: client, schema: schema, publisher: publisher, manifestDir: manifestDir}
}

// Run executes the full 11-stage pipeline for g. On any stage failure it
// rolls back every entity created so far and returns the rollback error
// (possibly wrapping ErrRollbackIncomplete if rollback itself failed).
func (c *Copier) Run(ctx context.Context, g Graph) (*Result, error) {
	c.state = NewState()
	c.rootOldID = g.Root.ID
	s := c.state

	type stage struct {
		phase Phase
		step  int
		run   func() error
	}

	stages := []stage{
		{PhaseCreatingRoot, 1, func() error { return c.createRoot(ctx, g.Root) }},
		{PhaseCreatingPages, 2, func() error { return c.createMapped(ctx, g.Pages, c.schema.Pages, "pages") }},
		{PhaseCreatingPageLines, 3, func() error { return c.createUnmapped(ctx, g.PageLines, c.schema.PageLines, "page_lines") }},
		{PhaseCreatingGroups, 4, func() error { return c.createMapped(ctx, g.Groups, c.schema.Groups, "groups") }},
		{PhaseCreatingGroupLines, 5, func() error { return c.createUnmapped(ctx, g.GroupLines, c.schema.GroupLines, "group_lines") }},
		{PhaseCreatingQuestions, 6, func() error { return c.createMapped(ctx, g.Questions, c.schema.Questions, "questions") }},
		{PhaseCreatingTemplateLines, 7, func() error { return c.createUnmapped(ctx, g.TemplateLines, c.schema.TemplateLines, "template_lines") }},
		{PhaseCreatingConditions, 8, func() error { return c.createConditions(ctx, g.Conditions) }},
		{PhaseCreatingConditionActions, 9, func() error { return c.createUnmapped(ctx, g.ConditionActions, c.schema.ConditionActions, "condition_actions") }},
		{PhaseCreatingClassifications, 10, func() error { return c.createClassifications(ctx, g.Classifications) }},
		{PhasePublishingConditions, 11, func() error { return c.publishConditions(ctx, g.Conditions) }},
	}

	for _, st := range stages {
		s.Phase = st.phase
		s.Step = st.step
		if err := st.run(); err != nil {
			return nil, c.rollback(ctx, err)
		}
		c.publisher.Publish(s.snapshotProgress())
	}

	s.Phase = PhaseDone
	rootID := s.IDMap[g.Root.ID]
	return &Result{RootID: rootID, IDMap: s.IDMap, Created: s.Created, Counts: s.Counts}, nil
}

// createRoot is stage 1: a single Create, its result seeds id_map.
func (c *Copier) createRoot(ctx context.Context, root Record) error {
	data := stripSystemFields(root.Data, c.schema.Root.PrimaryKey)
	remapped, err := remapLookups(data, c.state.IDMap, c.schema.LookupEntitySets)
	if err != nil {
		return err
	}
	ops := odata.Operations{odata.Create{EntitySet: c.schema.Root.EntitySet, Data: remapped}}
	results, err := c.executeStage(ctx, ops)
	if err != nil {
		return err
	}
	if err := checkResults(results, "root"); err != nil {
		return err
	}
	newID, ok := results[0].EntityIDFromHeader()
	if !ok {
		return errs.New("copier.createRoot", errs.KindParse, fmt.Errorf("%w: no OData-EntityId on root create", errs.ErrParse))
	}
	c.state.mapID(root.ID, newID)
	c.state.record(c.schema.Root.EntitySet, newID)
	c.state.Counts["root"] = 1
	return nil
}

// createMapped runs a Create stage whose new GUIDs must be recorded into
// id_map for later stages to reference (spec §4.8 stages 2, 4, 6).
func (c *Copier) createMapped(ctx context.Context, records []Record, schema StageSchema, countKey string) error {
	if len(records) == 0 {
		return nil
	}
	ops := make(odata.Operations, 0, len(records))
	for _, rec := range records {
		data := stripSystemFields(rec.Data, schema.PrimaryKey)
		remapped, err := remapLookups(data, c.state.IDMap, c.schema.LookupEntitySets)
		if err != nil {
			return err
		}
		ops = append(ops, odata.Create{EntitySet: schema.EntitySet, Data: remapped})
	}
	results, err := c.executeStage(ctx, ops)
	if err != nil {
		return err
	}
	if err := checkResults(results, countKey); err != nil {
		return err
	}
	for i, rec := range records {
		newID, ok := results[i].EntityIDFromHeader()
		if !ok {
			return errs.New("copier."+countKey, errs.KindParse, fmt.Errorf("%w: no OData-EntityId for %s[%d]", errs.ErrParse, countKey, i))
		}
		c.state.mapID(rec.ID, newID)
		c.state.record(schema.EntitySet, newID)
	}
	c.state.Counts[countKey] = uint32(len(records))
	return nil
}

// createUnmapped runs a Create stage for junction records that no later
// stage references by old id (spec §4.8 stages 3, 5, 7, 9).
func (c *Copier) createUnmapped(ctx context.Context, records []Record, schema StageSchema, countKey string) error {
	if len(records) == 0 {
		return nil
	}
	ops := make(odata.Operations, 0, len(records))
	for _, rec := range records {
		data := stripSystemFields(rec.Data, schema.PrimaryKey)
		remapped, err := remapLookups(data, c.state.IDMap, c.schema.LookupEntitySets)
		if err != nil {
			return err
		}
		ops = append(ops, odata.Create{EntitySet: schema.EntitySet, Data: remapped})
	}
	results, err := c.executeStage(ctx, ops)
	if err != nil {
		return err
	}
	if err := checkResults(results, countKey); err != nil {
		return err
	}
	for _, r := range results {
		if newID, ok := r.EntityIDFromHeader(); ok {
			c.state.record(schema.EntitySet, newID)
		}
	}
	c.state.Counts[countKey] = uint32(len(records))
	return nil
}

// createConditions is stage 8: like createMapped, but additionally
// rewrites the embedded condition JSON and forces a neutral statuscode.
func (c *Copier) createConditions(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	schema := c.schema.Conditions
	ops := make(odata.Operations, 0, len(records))
	for _, rec := range records {
		data := stripSystemFields(rec.Data, schema.PrimaryKey)
		remapped, err := remapLookups(data, c.state.IDMap, c.schema.LookupEntitySets)
		if err != nil {
			return err
		}
		if raw, ok := remapped["nrq_conditionjson"].(string); ok && raw != "" {
			rewritten, err := remapConditionJSON(raw, c.state.IDMap)
			if err != nil {
				return err
			}
			remapped["nrq_conditionjson"] = rewritten
		}
		remapped["statuscode"] = neutralConditionStatus
		ops = append(ops, odata.Create{EntitySet: schema.EntitySet, Data: remapped})
	}
	results, err := c.executeStage(ctx, ops)
	if err != nil {
		return err
	}
	if err := checkResults(results, "conditions"); err != nil {
		return err
	}
	for i, rec := range records {
		newID, ok := results[i].EntityIDFromHeader()
		if !ok {
			return errs.New("copier.createConditions", errs.KindParse, fmt.Errorf("%w: no OData-EntityId for conditions[%d]", errs.ErrParse, i))
		}
		c.state.mapID(rec.ID, newID)
		c.state.record(schema.EntitySet, newID)
	}
	c.state.Counts["conditions"] = uint32(len(records))
	return nil
}

// createClassifications is stage 10: AssociateRef links from the new root
// to shared classification entities. These are not recorded in the
// rollback log (spec §4.8 stage 10).
func (c *Copier) createClassifications(ctx context.Context, links []ClassificationRef) error {
	if len(links) == 0 {
		return nil
	}
	rootID := c.rootNewID()
	ops := make(odata.Operations, 0, len(links))
	for _, link := range links {
		ops = append(ops, odata.AssociateRef{
			EntitySet:          c.schema.RootEntitySet,
			EntityRef:          rootID,
			NavigationProperty: link.NavigationProperty,
			TargetRef:          fmt.Sprintf("/%s(%s)", link.TargetEntitySet, link.TargetID),
		})
	}
	results, err := c.executeStage(ctx, ops)
	if err != nil {
		return err
	}
	if err := checkResults(results, "classifications"); err != nil {
		return err
	}
	c.state.Counts["classifications"] = uint32(len(links))
	return nil
}

// publishConditions is stage 11: restore each condition's source
// statuscode now that every question it references exists.
func (c *Copier) publishConditions(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ops := make(odata.Operations, 0, len(records))
	for _, rec := range records {
		newID, ok := c.state.IDMap[rec.ID]
		if !ok {
			return errs.New("copier.publishConditions", errs.KindUnresolvedReference,
				fmt.Errorf("%w: condition %q not found in id_map", errs.ErrUnresolvedReference, rec.ID))
		}
		statusCode := 170590001 // Published; falls back here if the source never set one
		if v, ok := rec.Data["statuscode"]; ok {
			switch n := v.(type) {
			case float64:
				statusCode = int(n)
			case int:
				statusCode = n
			}
		}
		ops = append(ops, odata.Update{
			EntitySet: c.schema.Conditions.EntitySet,
			ID:        newID,
			Data:      RawRecord{"statuscode": statusCode},
		})
	}
	results, err := c.executeStage(ctx, ops)
	if err != nil {
		return err
	}
	return checkResults(results, "publish_conditions")
}

func (c *Copier) rootNewID() string {
	return c.state.IDMap[c.rootOldID]
}

func (c *Copier) executeStage(ctx context.Context, ops odata.Operations) ([]odata.OperationResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	all := make([]odata.OperationResult, 0, len(ops))
	for i := 0; i < len(ops); i += ChangesetChunkSize {
		end := i + ChangesetChunkSize
		if end > len(ops) {
			end = len(ops)
		}
		results, err := c.client.ExecuteBatch(ctx, ops[i:end])
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	if len(all) != len(ops) {
		return nil, errs.New("copier.executeStage", errs.KindCountMismatch,
			fmt.Errorf("%w: submitted %d, got %d results", errs.ErrCountMismatch, len(ops), len(all)))
	}
	return all, nil
}

func checkResults(results []odata.OperationResult, stageName string) error {
	for i, r := range results {
		if !r.Success {
			return errs.New("copier."+stageName, errs.KindServer5xx,
				fmt.Errorf("operation %d in stage %q failed: %s", i, stageName, r.Error))
		}
	}
	return nil
}

// rollback deletes every entity recorded so far, in strictly reverse
// insertion order, as a single (possibly chunked) batch (spec §4.8).
// origErr is the failure that triggered rollback; it is returned wrapped
// on success, or alongside ErrRollbackIncomplete on partial failure.
func (c *Copier) rollback(ctx context.Context, origErr error) error {
	c.state.Phase = PhaseRollingBack
	if len(c.state.Created) == 0 {
		c.state.Phase = PhaseRolledBack
		return origErr
	}

	ops := make(odata.Operations, 0, len(c.state.Created))
	for i := len(c.state.Created) - 1; i >= 0; i-- {
		rec := c.state.Created[i]
		ops = append(ops, odata.Delete{EntitySet: rec.EntitySet, ID: rec.ID})
	}

	results, execErr := c.executeStage(ctx, ops)
	if execErr == nil {
		allDeleted := true
		for _, r := range results {
			if !r.Success {
				allDeleted = false
				break
			}
		}
		if allDeleted {
			c.state.Phase = PhaseRolledBack
			return origErr
		}
	}

	c.state.Phase = PhaseRollbackIncomplete
	path, manifestErr := c.writeOrphanManifest()
	if manifestErr != nil {
		return errs.New("copier.rollback", errs.KindRollbackIncomplete,
			fmt.Errorf("%w: %v (manifest also failed: %v)", errs.ErrRollbackIncomplete, origErr, manifestErr))
	}
	return errs.New("copier.rollback", errs.KindRollbackIncomplete,
		fmt.Errorf("%w: original error %v, orphan manifest at %s", errs.ErrRollbackIncomplete, origErr, path))
}

// writeOrphanManifest emits one CSV per run listing every entity that
// rollback could not delete, in reverse insertion order (spec §6 "Orphan
// manifest"). Defaults to the user's downloads directory when no
// manifestDir was configured.
func (c *Copier) writeOrphanManifest() (string, error) {
	dir := c.manifestDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve downloads directory: %w", err)
		}
		dir = filepath.Join(home, "Downloads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create orphan manifest directory: %w", err)
	}
	name := fmt.Sprintf("orphaned_entities_%s.csv", time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString("entity_set,entity_id\n"); err != nil {
		return "", err
	}
	for i := len(c.state.Created) - 1; i >= 0; i-- {
		rec := c.state.Created[i]
		if _, err := fmt.Fprintf(f, "%s,%s\n", rec.EntitySet, rec.ID); err != nil {
			return "", err
		}
	}
	return path, nil
}
