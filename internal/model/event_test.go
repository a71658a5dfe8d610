package model

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func betaFlag() *Flag {
	return (&Flag{
		ID:          7,
		Name:        "Beta",
		Environment: EnvironmentStaging,
		CreatedAt:   "2024-05-01T10:00:00.000Z",
	}).Normalize()
}

func TestEvent_WireFormat(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	cases := map[string]Event{
		"flag_created":        FlagCreated(betaFlag()),
		"flag_updated":        FlagUpdated(7),
		"flag_deleted":        FlagDeleted(3),
		"flags_updated":       FlagsUpdated([]int64{1, 2}, true),
		"flags_deleted":       FlagsDeleted([]int64{3, 4, 9}),
		"flags_deleted_empty": FlagsDeleted(nil),
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(event)
			require.NoError(t, err)
			g.Assert(t, name, data)
		})
	}
}

func TestEvent_MarshalRejectsIncompleteEvents(t *testing.T) {
	_, err := json.Marshal(Event{Type: EventFlagCreated})
	assert.Error(t, err)

	_, err = json.Marshal(Event{Type: "flag-renamed"})
	assert.Error(t, err)
}

func TestDecodeEventType(t *testing.T) {
	for _, typ := range []EventType{EventFlagCreated, EventFlagUpdated, EventFlagDeleted, EventFlagsUpdated, EventFlagsDeleted} {
		data, err := json.Marshal(Event{Type: typ, Flag: betaFlag(), ID: 1, IDs: []int64{1}})
		require.NoError(t, err)

		decoded, err := DecodeEventType(data)
		require.NoError(t, err)
		assert.Equal(t, typ, decoded)
		assert.True(t, decoded.Recognized())
	}

	decoded, err := DecodeEventType([]byte(`{"event":"flag-renamed","id":1}`))
	require.NoError(t, err)
	assert.False(t, decoded.Recognized())

	_, err = DecodeEventType([]byte(`not json`))
	assert.Error(t, err)
}

func TestEnvironment_Valid(t *testing.T) {
	assert.True(t, EnvironmentProduction.Valid())
	assert.True(t, EnvironmentStaging.Valid())
	assert.True(t, EnvironmentDevelopment.Valid())
	assert.False(t, Environment("production").Valid())
	assert.False(t, Environment("").Valid())
}

func TestFlagPatch_Apply(t *testing.T) {
	f := &Flag{ID: 1, Name: "old", Description: "keep", Tags: []string{"a"}, ModifiedAt: "m0"}

	FlagPatch{Name: "new"}.Apply(f)
	assert.Equal(t, "new", f.Name)
	assert.Equal(t, "keep", f.Description)
	assert.Equal(t, []string{"a"}, f.Tags)
	assert.Equal(t, "m0", f.ModifiedAt)

	desc, mod := "", "m1"
	FlagPatch{Name: "new", Description: &desc, Tags: []string{}, ModifiedAt: &mod}.Apply(f)
	assert.Equal(t, "", f.Description)
	assert.Empty(t, f.Tags)
	assert.Equal(t, "m1", f.ModifiedAt)
}

func TestFlag_JSON(t *testing.T) {
	data, err := json.Marshal(betaFlag())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"name":"Beta","environment":"Staging","enabled":false,"created_at":"2024-05-01T10:00:00.000Z","tags":[],"description":""}`, string(data))
}
