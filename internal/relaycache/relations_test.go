package relaycache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRelationSource() *fakeSource {
	source := newFakeSource()
	source.put(EntityMember, Snapshot{"id": "m1", "name": "Ada", "teamIds": []any{"tm1"}})
	source.put(EntityMember, Snapshot{"id": "m2", "name": "Grace", "teamIds": []any{"tm2"}})
	source.put(EntityProject, Snapshot{"id": "p1", "name": "Apollo", "clientId": "c1", "teamIds": []any{"tm1"}})
	source.put(EntityTeam, Snapshot{"id": "tm1", "name": "Core", "memberIds": []any{"m1"}})
	source.put(EntityTeam, Snapshot{"id": "tm2", "name": "Edge", "memberIds": []any{"m2"}})
	source.put(EntityTeam, Snapshot{"id": "tm3", "name": "Ops", "memberIds": []any{}})
	source.put(EntityClient, Snapshot{"id": "c1", "name": "Acme"})
	return source
}

func TestBatchResolveRelationsEnrichesTasks(t *testing.T) {
	ctx := context.Background()
	source := seedRelationSource()
	resolver := NewRelationBatchResolver(RelationBatchResolverOptions{Source: source})

	result := resolver.BatchResolveRelations(ctx, RelationInput{
		Tasks: []Snapshot{
			{"id": "t1", "assignedMembers": []any{"m1", "m2"}, "projectId": "p1", "teamIds": []any{"tm3"}},
			{"id": "t2", "assignedMembers": []any{"ghost"}},
		},
		Projects: []Snapshot{{"id": "p1", "clientId": "c1", "teamIds": []any{"tm1"}}},
		Teams:    []Snapshot{{"id": "tm1", "memberIds": []any{"m1", "m2"}}},
	})

	require.Len(t, result.Tasks, 2)
	t1 := result.Tasks[0]
	assert.Equal(t, "t1", t1.ID())
	members := t1[FieldAssignedMembersData].([]Snapshot)
	require.Len(t, members, 2)
	assert.Equal(t, "Ada", members[0].String("name"))
	assert.Equal(t, "Apollo", t1[FieldProjectData].(Snapshot).String("name"))
	assert.Equal(t, "Acme", t1[FieldClientData].(Snapshot).String("name"))
	teams := t1[FieldTeamsData].([]Snapshot)
	require.Len(t, teams, 1)
	assert.Equal(t, "Ops", teams[0].String("name"))
	assert.Equal(t, []string{"tm1", "tm2", "tm3"}, t1[FieldInvolvedTeamIDs])
	assert.Len(t, t1[FieldInvolvedTeamsData].([]Snapshot), 3)

	t2 := result.Tasks[1]
	assert.Empty(t, t2[FieldAssignedMembersData])
	assert.Nil(t, t2[FieldProjectData])
	assert.Nil(t, t2[FieldClientData])

	require.Len(t, result.Projects, 1)
	assert.Equal(t, "Acme", result.Projects[0][FieldClientData].(Snapshot).String("name"))
	assert.Len(t, result.Projects[0][FieldTeamsData].([]Snapshot), 1)

	require.Len(t, result.Teams, 1)
	assert.Len(t, result.Teams[0][FieldMembersData].([]Snapshot), 2)

	assert.Equal(t, 1, result.Stats.ByType[EntityMember].Missing)
}

func TestBatchResolveRelationsFetchesEachTypeOnce(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	var tasks []Snapshot
	for i := 0; i < 50; i++ {
		memberID := fmt.Sprintf("m%d", i%10)
		source.put(EntityMember, Snapshot{"id": memberID, "teamIds": []any{"tm1"}})
		tasks = append(tasks, Snapshot{"id": fmt.Sprintf("t%d", i), "assignedMembers": []any{memberID}, "projectId": "p1"})
	}
	source.put(EntityProject, Snapshot{"id": "p1", "clientId": "c1"})
	source.put(EntityTeam, Snapshot{"id": "tm1"})
	source.put(EntityClient, Snapshot{"id": "c1"})
	resolver := NewRelationBatchResolver(RelationBatchResolverOptions{Source: source})

	result := resolver.BatchResolveRelations(ctx, RelationInput{Tasks: tasks})
	assert.Len(t, result.Tasks, 50)
	for _, entityType := range []EntityType{EntityMember, EntityProject, EntityTeam, EntityClient} {
		assert.Equal(t, 1, source.fetchAllCount(entityType), "fetches for %s", entityType)
	}
	assert.Equal(t, 10, result.Stats.ByType[EntityMember].Requested)
	assert.Equal(t, 10, result.Stats.ByType[EntityMember].Fetched)

	again := resolver.BatchResolveRelations(ctx, RelationInput{Tasks: tasks})
	assert.Equal(t, 10, again.Stats.ByType[EntityMember].CacheHits)
	assert.Equal(t, 1, source.fetchAllCount(EntityMember), "second call is served by the cache")
}

func TestBatchResolveRelationsSharesResolvedEntities(t *testing.T) {
	resolver := NewRelationBatchResolver(RelationBatchResolverOptions{Source: seedRelationSource()})
	result := resolver.BatchResolveRelations(context.Background(), RelationInput{
		Tasks: []Snapshot{
			{"id": "t1", "projectId": "p1"},
			{"id": "t2", "projectId": "p1"},
		},
	})
	first := result.Tasks[0][FieldProjectData].(Snapshot)
	second := result.Tasks[1][FieldProjectData].(Snapshot)
	first["marker"] = true
	assert.Equal(t, true, second["marker"])
}

func TestBatchResolveRelationsToleratesFailingType(t *testing.T) {
	ctx := context.Background()
	source := seedRelationSource()
	source.fetchAllErr[EntityMember] = &SourceError{StatusCode: 503, Message: "down"}
	resolver := NewRelationBatchResolver(RelationBatchResolverOptions{Source: source})

	result := resolver.BatchResolveRelations(ctx, RelationInput{
		Tasks: []Snapshot{{"id": "t1", "assignedMembers": []any{"m1"}, "projectId": "p1"}},
	})
	require.Len(t, result.Tasks, 1)
	assert.Empty(t, result.Tasks[0][FieldAssignedMembersData])
	assert.Equal(t, "Apollo", result.Tasks[0][FieldProjectData].(Snapshot).String("name"))
	assert.Equal(t, 1, result.Stats.ByType[EntityMember].Failures)
}

func TestLoadManyKeepsInputOrder(t *testing.T) {
	resolver := NewRelationBatchResolver(RelationBatchResolverOptions{Source: seedRelationSource()})
	got, stats := resolver.LoadMany(context.Background(), EntityTeam, []string{"tm2", "nope", "tm1", "tm2"})
	require.Len(t, got, 4)
	assert.Equal(t, "Edge", got[0].String("name"))
	assert.Nil(t, got[1])
	assert.Equal(t, "Core", got[2].String("name"))
	assert.Equal(t, "Edge", got[3].String("name"))
	assert.Equal(t, 3, stats.Requested)
	assert.Equal(t, 1, stats.Missing)
}

func TestRelationSchemaOverridesFieldNames(t *testing.T) {
	source := newFakeSource()
	source.put(EntityMember, Snapshot{"id": "m1", "name": "Ada"})
	resolver := NewRelationBatchResolver(RelationBatchResolverOptions{
		Source: source,
		Schema: &RelationSchema{TaskMembers: "owners"},
	})
	result := resolver.BatchResolveRelations(context.Background(), RelationInput{
		Tasks: []Snapshot{{"id": "t1", "owners": []string{"m1"}}},
	})
	assert.Len(t, result.Tasks[0][FieldAssignedMembersData].([]Snapshot), 1)
}

func TestBatchResolveRelationsKeepsProvisionalCacheEntries(t *testing.T) {
	ctx := context.Background()
	source := seedRelationSource()
	cache := NewCache(CacheOptions{})
	local := Snapshot{"id": "m1", "name": "Ada L.", "teamIds": []any{"tm1"}, MarkerPendingSync: true}
	require.NoError(t, cache.SetSnapshot(ctx, EntityMember, "m1", local))
	resolver := NewRelationBatchResolver(RelationBatchResolverOptions{Cache: cache, Source: source})

	result := resolver.BatchResolveRelations(ctx, RelationInput{
		Tasks: []Snapshot{{"id": "t1", "assignedMembers": []any{"m2"}}},
	})
	require.Len(t, result.Tasks[0][FieldAssignedMembersData].([]Snapshot), 1)
	assert.Equal(t, 1, source.fetchAllCount(EntityMember))

	cached, err := cache.GetSnapshot(ctx, EntityMember, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", cached.String("name"), "a fetch for other members must not replace an unsynced write")
	assert.True(t, cached.IsProvisional())

	fetched, err := cache.GetSnapshot(ctx, EntityMember, "m2")
	require.NoError(t, err)
	assert.Equal(t, "Grace", fetched.String("name"))

	loaded, _ := resolver.LoadMany(ctx, EntityMember, []string{"m1"})
	require.Len(t, loaded, 1)
	assert.Equal(t, "Ada L.", loaded[0].String("name"))
}
