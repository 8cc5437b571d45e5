package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "gardend/pkg/logx"
)

const (
	mowerID = "11111111-1111-1111-1111-111111111111"
	waterID = "22222222-2222-2222-2222-222222222222"
	plugID  = "33333333-3333-3333-3333-333333333333"
	multiID = "44444444-4444-4444-4444-444444444444"
)

func svc(id, typ string, attrs Attributes) Service {
	if attrs == nil {
		attrs = Attributes{}
	}
	return Service{ID: id, Type: typ, Attributes: attrs}
}

func owned(id, typ, owner string, attrs Attributes) Service {
	s := svc(id, typ, attrs)
	s.Relationships.Device = &struct {
		Data *ResourceRef `json:"data"`
	}{Data: &ResourceRef{ID: owner, Type: "DEVICE"}}
	return s
}

func attr(v any) Attribute { return Attribute{Value: v} }

func tree() []Service {
	return []Service{
		svc(mowerID, "DEVICE", nil),
		svc(mowerID, "MOWER", Attributes{"activity": attr("PARKED_TIMER")}),
		svc(mowerID, "COMMON", Attributes{"name": attr("Robo"), "batteryLevel": attr(80.0)}),
		svc(waterID, "DEVICE", nil),
		svc(waterID, "SMART_IRRIGATION_CONTROL", nil),
		svc(waterID, "COMMON", Attributes{"name": attr("Tap")}),
		svc(plugID, "DEVICE", nil),
		svc(plugID, "POWER_SOCKET", Attributes{"state": attr("OFF")}),
		svc(multiID, "DEVICE", nil),
		svc(multiID, "SMART_IRRIGATION_CONTROL", nil),
		owned(multiID+":1", "VALVE", multiID, Attributes{"name": attr("Beds")}),
		svc(multiID+":2", "VALVE", Attributes{"name": attr("Lawn")}),
		svc("orphan", "VALVE", nil),
	}
}

func byID(devs []Device) map[string]Device {
	out := map[string]Device{}
	for _, d := range devs {
		out[d.ID] = d
	}
	return out
}

func TestNormalizeKindsAndNames(t *testing.T) {
	t.Parallel()
	devs := Normalize(tree(), logx.Nop())
	require.Len(t, devs, 4)
	assert.Equal(t, []string{mowerID, waterID, plugID, multiID},
		[]string{devs[0].ID, devs[1].ID, devs[2].ID, devs[3].ID})

	m := byID(devs)
	assert.Equal(t, CategoryMower, m[mowerID].Kind)
	assert.Equal(t, "Robo", m[mowerID].Name)
	assert.Equal(t, mowerID, m[mowerID].CommonServiceID)
	assert.Equal(t, "PARKED_TIMER", m[mowerID].Attributes.Text("activity"))
	assert.Equal(t, CategoryIrrigation, m[waterID].Kind)
	assert.Equal(t, CategoryPlug, m[plugID].Kind)
	assert.Equal(t, CategoryIrrigation, m[multiID].Kind)
}

func TestNormalizeValves(t *testing.T) {
	t.Parallel()
	m := byID(Normalize(tree(), logx.Nop()))

	single := m[waterID]
	require.Len(t, single.Valves, 1)
	assert.True(t, single.Valves[0].Pseudo)
	assert.Equal(t, waterID, single.Valves[0].ID)

	multi := m[multiID]
	require.Len(t, multi.Valves, 2)
	assert.Equal(t, "Beds", multi.Valves[0].Name)
	assert.Equal(t, multiID+":2", multi.Valves[1].ID)
	for _, v := range multi.Valves {
		assert.False(t, v.Pseudo)
	}

	for _, d := range []Device{m[mowerID], m[plugID]} {
		assert.Empty(t, d.Valves, d.ID)
	}
}

func TestNormalizeUnknownKind(t *testing.T) {
	t.Parallel()
	devs := Normalize([]Service{svc(mowerID, "DEVICE", nil), svc(mowerID, "SENSOR", nil)}, logx.Nop())
	require.Len(t, devs, 1)
	assert.Equal(t, CategoryUnknown, devs[0].Kind)
}

func TestOwnerID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		s    Service
		want string
	}{
		{"relationship", owned("x", "VALVE", mowerID, nil), mowerID},
		{"primary", svc(plugID, "POWER_SOCKET", nil), plugID},
		{"composite", svc(multiID+":3", "VALVE", nil), multiID},
		{"short prefix", svc("abc:1", "VALVE", nil), ""},
		{"plain leaf", svc("abc", "SENSOR", nil), ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, OwnerID(tc.s))
		})
	}
}

func TestAttributeDecoding(t *testing.T) {
	t.Parallel()
	var s Service
	raw := `{"id":"a","type":"COMMON","attributes":{"name":{"value":"Robo","timestamp":"2024-01-01T00:00:00Z"},"bare":5}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	assert.Equal(t, "Robo", s.Attributes.Text("name"))
	assert.Equal(t, "2024-01-01T00:00:00Z", s.Attributes["name"].Timestamp)
	assert.Equal(t, 5.0, s.Attributes["bare"].Value)
	assert.Equal(t, KindCommon, s.Kind())
}

func TestMergeDeltaDeviceLevel(t *testing.T) {
	t.Parallel()
	tbl := NewTable(logx.Nop())
	tbl.Replace(Normalize(tree(), logx.Nop()))

	id, ok := tbl.MergeDelta(svc(mowerID, "MOWER", Attributes{"activity": attr("OK_CUTTING")}))
	require.True(t, ok)
	assert.Equal(t, mowerID, id)

	d, _ := tbl.Get(mowerID)
	assert.Equal(t, "OK_CUTTING", d.Attributes.Text("activity"))
	assert.Equal(t, 80.0, d.Attributes["batteryLevel"].Value)
}

func TestMergeDeltaRenamesDevice(t *testing.T) {
	t.Parallel()
	tbl := NewTable(logx.Nop())
	tbl.Replace(Normalize(tree(), logx.Nop()))

	_, ok := tbl.MergeDelta(svc(waterID, "COMMON", Attributes{"name": attr("Front tap")}))
	require.True(t, ok)
	d, _ := tbl.Get(waterID)
	assert.Equal(t, "Front tap", d.Name)
	assert.Equal(t, "Front tap", d.Valves[0].Name)
}

func TestMergeDeltaPseudoValveFollowsDevice(t *testing.T) {
	t.Parallel()
	tbl := NewTable(logx.Nop())
	tbl.Replace(Normalize(tree(), logx.Nop()))

	_, ok := tbl.MergeDelta(svc(waterID, "SMART_IRRIGATION_CONTROL", Attributes{"activity": attr("MANUAL_WATERING")}))
	require.True(t, ok)
	d, _ := tbl.Get(waterID)
	assert.Equal(t, "MANUAL_WATERING", d.Valves[0].Attributes.Text("activity"))
}

func TestMergeDeltaValve(t *testing.T) {
	t.Parallel()
	tbl := NewTable(logx.Nop())
	tbl.Replace(Normalize(tree(), logx.Nop()))

	id, ok := tbl.MergeDelta(svc(multiID+":2", "VALVE", Attributes{"activity": attr("SCHEDULED_WATERING")}))
	require.True(t, ok)
	assert.Equal(t, multiID, id)
	d, _ := tbl.Get(multiID)
	assert.Equal(t, "SCHEDULED_WATERING", d.Valves[1].Attributes.Text("activity"))
	assert.Equal(t, "Lawn", d.Valves[1].Name)
	assert.Empty(t, d.Valves[0].Attributes.Text("activity"))
}

func TestMergeDeltaIgnored(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	tbl := NewTable(logx.FromZerolog(zerolog.New(&buf).Level(zerolog.InfoLevel)))
	tbl.Replace(Normalize(tree(), logx.Nop()))
	before := tbl.Snapshot()

	cases := []Service{
		svc(multiID+":9", "VALVE", Attributes{"activity": attr("X")}),
		svc("55555555-5555-5555-5555-555555555555", "MOWER", Attributes{"activity": attr("X")}),
		svc("orphan", "SENSOR", nil),
		owned(mowerID+":x", "SENSOR", mowerID, Attributes{"temp": attr(3.0)}),
	}
	for _, ev := range cases {
		buf.Reset()
		_, ok := tbl.MergeDelta(ev)
		assert.False(t, ok, ev.ID)

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line), ev.ID)
		assert.Equal(t, "warn", line["level"], ev.ID)
	}
	assert.Equal(t, before, tbl.Snapshot())
}

func TestMergeDeltaOrderIndependentForDisjointKeys(t *testing.T) {
	t.Parallel()
	a := svc(mowerID, "MOWER", Attributes{"activity": attr("OK_CUTTING")})
	b := svc(mowerID, "COMMON", Attributes{"rfLinkLevel": attr(60.0)})

	t1 := NewTable(logx.Nop())
	t1.Replace(Normalize(tree(), logx.Nop()))
	t1.MergeDelta(a)
	t1.MergeDelta(b)

	t2 := NewTable(logx.Nop())
	t2.Replace(Normalize(tree(), logx.Nop()))
	t2.MergeDelta(b)
	t2.MergeDelta(a)

	assert.Equal(t, t1.Snapshot(), t2.Snapshot())
}

func TestSnapshotIsIsolated(t *testing.T) {
	t.Parallel()
	tbl := NewTable(logx.Nop())
	tbl.Replace(Normalize(tree(), logx.Nop()))

	snap := tbl.Snapshot()
	snap[0].Attributes["activity"] = attr("TAMPERED")
	d, _ := tbl.Get(mowerID)
	assert.Equal(t, "PARKED_TIMER", d.Attributes.Text("activity"))
}

func TestMowingFinished(t *testing.T) {
	t.Parallel()
	cases := []struct {
		before, after string
		want          bool
	}{
		{"OK_CUTTING", "PARKED_TIMER", true},
		{"OK_CUTTING_TIMER_OVERRIDDEN", "OK_CHARGING", true},
		{"PARKED_TIMER", "OK_CHARGING", false},
		{"OK_CUTTING", "OK_CUTTING", false},
		{"", "PARKED_PARK_SELECTED", false},
	}
	for _, tc := range cases {
		got := MowingFinished(Attributes{"activity": attr(tc.before)}, Attributes{"activity": attr(tc.after)})
		assert.Equal(t, tc.want, got, "%s -> %s", tc.before, tc.after)
	}
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	services []Service
	err      error
}

func (f *fakeFetcher) PrimaryLocation(context.Context) (string, error) {
	return "loc-1", nil
}

func (f *fakeFetcher) DeviceTree(_ context.Context, loc string) ([]Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.services, nil
}

func TestCatalogCachesWithinTTL(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{services: tree()}
	c := NewCatalog(f, NewTable(logx.Nop()), time.Minute, logx.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	devs, err := c.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 4)
	_, err = c.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "loc-1", c.LocationID())

	now = now.Add(2 * time.Minute)
	_, err = c.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)

	c.Invalidate()
	_, err = c.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestCatalogPropagatesFetchError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := &fakeFetcher{err: boom}
	c := NewCatalog(f, NewTable(logx.Nop()), 0, logx.Nop())

	_, err := c.Devices(context.Background())
	require.ErrorIs(t, err, boom)
	_, err = c.Refresh(context.Background())
	require.ErrorIs(t, err, boom)
}
