package relaycache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// RelationSchema names the snapshot fields that reference other entities.
type RelationSchema struct {
	TaskMembers   string `yaml:"taskMembers" json:"taskMembers"`
	TaskProject   string `yaml:"taskProject" json:"taskProject"`
	TaskTeams     string `yaml:"taskTeams" json:"taskTeams"`
	ProjectClient string `yaml:"projectClient" json:"projectClient"`
	ProjectTeams  string `yaml:"projectTeams" json:"projectTeams"`
	MemberTeams   string `yaml:"memberTeams" json:"memberTeams"`
	TeamMembers   string `yaml:"teamMembers" json:"teamMembers"`
}

func DefaultRelationSchema() RelationSchema {
	return RelationSchema{
		TaskMembers:   "assignedMembers",
		TaskProject:   "projectId",
		TaskTeams:     "teamIds",
		ProjectClient: "clientId",
		ProjectTeams:  "teamIds",
		MemberTeams:   "teamIds",
		TeamMembers:   "memberIds",
	}
}

func (s RelationSchema) normalized() RelationSchema {
	def := DefaultRelationSchema()
	fill := func(v *string, fallback string) {
		if *v == "" {
			*v = fallback
		}
	}
	fill(&s.TaskMembers, def.TaskMembers)
	fill(&s.TaskProject, def.TaskProject)
	fill(&s.TaskTeams, def.TaskTeams)
	fill(&s.ProjectClient, def.ProjectClient)
	fill(&s.ProjectTeams, def.ProjectTeams)
	fill(&s.MemberTeams, def.MemberTeams)
	fill(&s.TeamMembers, def.TeamMembers)
	return s
}

const (
	FieldAssignedMembersData = "assignedMembersData"
	FieldProjectData         = "projectData"
	FieldClientData          = "clientData"
	FieldTeamsData           = "teamsData"
	FieldInvolvedTeamIDs     = "involvedTeamIds"
	FieldInvolvedTeamsData   = "involvedTeamsData"
	FieldMembersData         = "membersData"
)

type RelationInput struct {
	Tasks    []Snapshot
	Projects []Snapshot
	Teams    []Snapshot
}

type LoadStats struct {
	Requested int `json:"requested"`
	CacheHits int `json:"cacheHits"`
	Fetched   int `json:"fetched"`
	Missing   int `json:"missing"`
	Failures  int `json:"failures"`
}

type RelationStats struct {
	ByType  map[EntityType]LoadStats `json:"byType"`
	Elapsed time.Duration            `json:"elapsed"`
}

type RelationResult struct {
	Tasks    []Snapshot    `json:"tasks"`
	Projects []Snapshot    `json:"projects"`
	Teams    []Snapshot    `json:"teams"`
	Stats    RelationStats `json:"stats"`
}

type RelationBatchResolverOptions struct {
	Cache  *Cache
	Source SourceClient
	Schema *RelationSchema
	Logger *slog.Logger
}

// RelationBatchResolver enriches lists of entities with the entities they reference, loading each
// referenced type with as few source calls as possible.
type RelationBatchResolver struct {
	cache  *Cache
	source SourceClient
	schema RelationSchema
	logger *slog.Logger
}

func NewRelationBatchResolver(opts RelationBatchResolverOptions) *RelationBatchResolver {
	schema := DefaultRelationSchema()
	if opts.Schema != nil {
		schema = opts.Schema.normalized()
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewCache(CacheOptions{Logger: opts.Logger})
	}
	return &RelationBatchResolver{
		cache:  cache,
		source: opts.Source,
		schema: schema,
		logger: loggerOrDiscard(opts.Logger),
	}
}

// LoadMany loads entities of one type in input order with a fresh memo, nil where missing.
func (r *RelationBatchResolver) LoadMany(ctx context.Context, entityType EntityType, ids []string) ([]Snapshot, LoadStats) {
	if !entityType.Valid() {
		return make([]Snapshot, len(ids)), LoadStats{}
	}
	loader := newBatchLoader(r)
	out := loader.load(ctx, entityType, ids)
	return out, loader.snapshotStats()[entityType]
}

// BatchResolveRelations never fails as a whole: references that cannot be loaded come back
// empty and are counted in the stats.
func (r *RelationBatchResolver) BatchResolveRelations(ctx context.Context, input RelationInput) RelationResult {
	started := time.Now()
	ctx, span := startSpan(ctx, "relaycache.batch_resolve_relations",
		attribute.Int("input.tasks", len(input.Tasks)),
		attribute.Int("input.projects", len(input.Projects)),
		attribute.Int("input.teams", len(input.Teams)))
	defer endSpan(span, nil)

	loader := newBatchLoader(r)
	s := r.schema

	var (
		taskMembers  map[string]Snapshot
		taskProjects map[string]Snapshot
	)
	phase1, ctx1 := errgroup.WithContext(ctx)
	phase1.Go(func() error {
		taskMembers = loader.loadMap(ctx1, EntityMember, collectIDs(input.Tasks, s.TaskMembers))
		return nil
	})
	phase1.Go(func() error {
		taskProjects = loader.loadMap(ctx1, EntityProject, collectIDs(input.Tasks, s.TaskProject))
		return nil
	})
	_ = phase1.Wait()

	teamIDs := collectIDs(input.Tasks, s.TaskTeams)
	teamIDs = append(teamIDs, collectIDs(input.Projects, s.ProjectTeams)...)
	teamIDs = append(teamIDs, collectIDs(snapshotsOf(taskMembers), s.MemberTeams)...)
	clientIDs := collectIDs(snapshotsOf(taskProjects), s.ProjectClient)
	clientIDs = append(clientIDs, collectIDs(input.Projects, s.ProjectClient)...)
	teamMemberIDs := collectIDs(input.Teams, s.TeamMembers)

	var (
		teams       map[string]Snapshot
		clients     map[string]Snapshot
		teamMembers map[string]Snapshot
	)
	phase2, ctx2 := errgroup.WithContext(ctx)
	phase2.Go(func() error {
		teams = loader.loadMap(ctx2, EntityTeam, teamIDs)
		return nil
	})
	phase2.Go(func() error {
		clients = loader.loadMap(ctx2, EntityClient, clientIDs)
		return nil
	})
	phase2.Go(func() error {
		teamMembers = loader.loadMap(ctx2, EntityMember, teamMemberIDs)
		return nil
	})
	_ = phase2.Wait()

	result := RelationResult{
		Tasks:    make([]Snapshot, len(input.Tasks)),
		Projects: make([]Snapshot, len(input.Projects)),
		Teams:    make([]Snapshot, len(input.Teams)),
	}
	for i, task := range input.Tasks {
		members := pick(taskMembers, task.StringSlice(s.TaskMembers))
		project := taskProjects[task.String(s.TaskProject)]
		var client Snapshot
		if project != nil {
			client = clients[project.String(s.ProjectClient)]
		}
		explicit := task.StringSlice(s.TaskTeams)
		involved := append([]string(nil), explicit...)
		for _, member := range members {
			involved = append(involved, member.StringSlice(s.MemberTeams)...)
		}
		involved = sortedUnique(involved)
		result.Tasks[i] = extend(task, map[string]any{
			FieldAssignedMembersData: members,
			FieldProjectData:         nilIfEmpty(project),
			FieldClientData:          nilIfEmpty(client),
			FieldTeamsData:           pick(teams, explicit),
			FieldInvolvedTeamIDs:     involved,
			FieldInvolvedTeamsData:   pick(teams, involved),
		})
	}
	for i, project := range input.Projects {
		result.Projects[i] = extend(project, map[string]any{
			FieldClientData: nilIfEmpty(clients[project.String(s.ProjectClient)]),
			FieldTeamsData:  pick(teams, project.StringSlice(s.ProjectTeams)),
		})
	}
	for i, team := range input.Teams {
		result.Teams[i] = extend(team, map[string]any{
			FieldMembersData: pick(teamMembers, team.StringSlice(s.TeamMembers)),
		})
	}

	result.Stats = RelationStats{ByType: loader.snapshotStats(), Elapsed: time.Since(started)}
	r.logger.DebugContext(ctx, "relations resolved",
		"tasks", len(input.Tasks),
		"projects", len(input.Projects),
		"teams", len(input.Teams),
		"elapsed", result.Stats.Elapsed)
	return result
}

// batchLoader lives for one BatchResolveRelations call. Its memo holds nil for ids known to be
// missing so they are not looked up twice.
type batchLoader struct {
	r *RelationBatchResolver

	mu     sync.Mutex
	memo   map[EntityType]map[string]Snapshot
	stats  map[EntityType]*LoadStats
	typeMu map[EntityType]*sync.Mutex
}

func newBatchLoader(r *RelationBatchResolver) *batchLoader {
	l := &batchLoader{
		r:      r,
		memo:   map[EntityType]map[string]Snapshot{},
		stats:  map[EntityType]*LoadStats{},
		typeMu: map[EntityType]*sync.Mutex{},
	}
	for _, entityType := range AllEntityTypes {
		l.memo[entityType] = map[string]Snapshot{}
		l.stats[entityType] = &LoadStats{}
		l.typeMu[entityType] = &sync.Mutex{}
	}
	return l
}

// load returns one result per id in input order, nil where the entity could not be found.
func (l *batchLoader) load(ctx context.Context, entityType EntityType, ids []string) []Snapshot {
	typeMu := l.typeMu[entityType]
	typeMu.Lock()
	defer typeMu.Unlock()

	var pending []string
	seen := map[string]struct{}{}
	l.mu.Lock()
	memo := l.memo[entityType]
	stats := l.stats[entityType]
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := memo[id]; ok {
			continue
		}
		stats.Requested++
		pending = append(pending, id)
	}
	l.mu.Unlock()

	var missing []string
	for _, id := range pending {
		snap, err := l.r.cache.GetSnapshot(ctx, entityType, id)
		if err == nil && snap != nil {
			l.remember(entityType, id, snap, func(s *LoadStats) { s.CacheHits++ })
			continue
		}
		if err != nil && !errors.Is(err, ErrCacheMiss) {
			l.r.logger.DebugContext(ctx, "relation cache read failed", "entity_type", entityType, "entity_id", id, "error", err)
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		l.fetchMissing(ctx, entityType, missing)
	}

	out := make([]Snapshot, len(ids))
	l.mu.Lock()
	for i, id := range ids {
		out[i] = memo[id]
	}
	l.mu.Unlock()
	return out
}

func (l *batchLoader) fetchMissing(ctx context.Context, entityType EntityType, missing []string) {
	if l.r.source == nil {
		l.markMissing(entityType, missing, func(s *LoadStats) { s.Missing += len(missing) })
		return
	}
	entities, err := l.r.source.FetchAll(ctx, entityType, nil)
	if err != nil {
		l.r.logger.WarnContext(ctx, "relation batch fetch failed",
			"entity_type", entityType,
			"pending", len(missing),
			"error", err)
		l.markMissing(entityType, missing, func(s *LoadStats) { s.Failures++ })
		return
	}
	for _, entity := range entities {
		id := entity.ID()
		if id == "" {
			continue
		}
		kept, err := l.r.cache.SetSettled(ctx, entityType, id, entity)
		if err != nil {
			l.r.logger.DebugContext(ctx, "relation cache write failed", "entity_type", entityType, "entity_id", id, "error", err)
		}
		l.remember(entityType, id, kept, nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	stats := l.stats[entityType]
	memo := l.memo[entityType]
	for _, id := range missing {
		if memo[id] != nil {
			stats.Fetched++
			continue
		}
		memo[id] = nil
		stats.Missing++
	}
}

func (l *batchLoader) remember(entityType EntityType, id string, snap Snapshot, update func(*LoadStats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memo[entityType][id] = snap
	if update != nil {
		update(l.stats[entityType])
	}
}

func (l *batchLoader) markMissing(entityType EntityType, ids []string, update func(*LoadStats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.memo[entityType][id] = nil
	}
	update(l.stats[entityType])
}

func (l *batchLoader) loadMap(ctx context.Context, entityType EntityType, ids []string) map[string]Snapshot {
	ids = sortedUnique(ids)
	loaded := l.load(ctx, entityType, ids)
	out := make(map[string]Snapshot, len(ids))
	for i, id := range ids {
		if loaded[i] != nil {
			out[id] = loaded[i]
		}
	}
	return out
}

func (l *batchLoader) snapshotStats() map[EntityType]LoadStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[EntityType]LoadStats, len(l.stats))
	for entityType, stats := range l.stats {
		out[entityType] = *stats
	}
	return out
}

func collectIDs(snaps []Snapshot, field string) []string {
	var ids []string
	for _, snap := range snaps {
		ids = append(ids, snap.StringSlice(field)...)
	}
	return ids
}

func snapshotsOf(m map[string]Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(m))
	for _, snap := range m {
		out = append(out, snap)
	}
	return out
}

// pick returns the loaded entities for ids in order, skipping the ones that were not found.
func pick(loaded map[string]Snapshot, ids []string) []Snapshot {
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap := loaded[id]; snap != nil {
			out = append(out, snap)
		}
	}
	return out
}

// extend copies base shallowly and adds extra, so related snapshots are shared rather than
// copied.
func extend(base Snapshot, extra map[string]any) Snapshot {
	out := make(Snapshot, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func nilIfEmpty(snap Snapshot) any {
	if snap == nil {
		return nil
	}
	return snap
}

func sortedUnique(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
