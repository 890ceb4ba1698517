package directory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/zones"
)

// Redis implements Directory on Redis GEO commands: positions in a geo set,
// metadata in a hash per driver, active assignments in a hash per driver.
type Redis struct {
	client *redis.Client
	key    string
	cfg    Config
	bounds zones.Provider
	now    func() time.Time
}

func NewRedis(addr, password, key string, cfg Config, bounds zones.Provider) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, key: key, cfg: cfg.withDefaults(), bounds: bounds, now: time.Now}
}

// Ping reports backend connectivity, for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

func metaKey(id string) string   { return "driver:meta:" + id }
func activeKey(id string) string { return "driver:active:" + id }

func (r *Redis) Upsert(ctx context.Context, d models.DriverSnapshot) error {
	now := r.now()
	if d.PositionAt.IsZero() {
		d.PositionAt = now
	}
	if d.Online && d.OnlineAt.IsZero() {
		d.OnlineAt = now
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID,
	}).Result(); err != nil {
		return fmt.Errorf("geoadd: %w", err)
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"rating":      fmt.Sprintf("%f", d.Rating),
		"online":      strconv.FormatBool(d.Online),
		"class":       string(d.VehicleClass),
		"trips":       strconv.Itoa(d.TotalTrips),
		"heading":     fmt.Sprintf("%f", d.HeadingDeg),
		"online_at":   d.OnlineAt.Format(time.RFC3339Nano),
		"position_at": d.PositionAt.Format(time.RFC3339Nano),
	}).Err()
}

func (r *Redis) SetOnline(ctx context.Context, driverID string, online bool) error {
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":    strconv.FormatBool(online),
		"online_at": r.now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *Redis) Snapshot(ctx context.Context, driverID string) (models.DriverSnapshot, bool, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverSnapshot{}, false, err
	}
	if len(meta) == 0 {
		return models.DriverSnapshot{}, false, nil
	}
	d := r.fromMeta(driverID, meta)
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	n, err := r.client.HLen(ctx, activeKey(driverID)).Result()
	if err != nil {
		return d, true, nil
	}
	d.ActiveCount = int(n)
	return d, true, nil
}

func (r *Redis) AddAssignment(ctx context.Context, driverID, bookingID string, dest models.Coord) error {
	return r.client.HSet(ctx, activeKey(driverID), bookingID,
		fmt.Sprintf("%f,%f", dest.Lat, dest.Lon)).Err()
}

func (r *Redis) RemoveAssignment(ctx context.Context, driverID, bookingID string) error {
	return r.client.HDel(ctx, activeKey(driverID), bookingID).Err()
}

func (r *Redis) ActiveDestinations(ctx context.Context, driverID string) ([]models.Coord, error) {
	m, err := r.client.HGetAll(ctx, activeKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Coord, 0, len(m))
	for _, v := range m {
		var lat, lon float64
		if _, err := fmt.Sscanf(v, "%f,%f", &lat, &lon); err == nil {
			out = append(out, models.Coord{Lat: lat, Lon: lon})
		}
	}
	return out, nil
}

func (r *Redis) FindCandidates(ctx context.Context, q Query) ([]Candidate, Diagnosis, error) {
	radius := r.cfg.effectiveRadius(q.RadiusM)
	res, err := r.client.GeoRadius(ctx, r.key, q.Center.Lon, q.Center.Lat, &redis.GeoRadiusQuery{
		Radius: radius, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, DiagFound, fmt.Errorf("georadius: %w", err)
	}

	now := r.now()
	var out []Candidate
	for _, g := range res {
		if q.Exclude[g.Name] {
			continue
		}
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		d := r.fromMeta(g.Name, meta)
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !r.cfg.Fresh(d, now) || d.VehicleClass != q.Class {
			continue
		}
		n, err := r.client.HLen(ctx, activeKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d.ActiveCount = int(n)
		if d.ActiveCount >= r.cfg.Capacity {
			continue
		}
		if r.bounds != nil {
			if b := r.bounds.ServiceBoundary(); b != nil && !geo.PointInPolygon(d.Loc, b) {
				continue
			}
		}
		out = append(out, Candidate{DriverSnapshot: d, DistanceM: g.Dist})
	}

	if len(out) > 0 {
		return out, DiagFound, nil
	}
	return nil, r.diagnoseEmpty(ctx, q.Class, now), nil
}

// diagnoseEmpty classifies an empty radius result against the whole fleet,
// not just the radius hits, so a fresh driver far from the pickup reads as
// out-of-area rather than nobody-online.
func (r *Redis) diagnoseEmpty(ctx context.Context, class models.VehicleClass, now time.Time) Diagnosis {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return DiagNoneOnline
	}
	var anyFresh, anyClassFit bool
	for _, id := range ids {
		meta, err := r.client.HGetAll(ctx, metaKey(id)).Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		d := r.fromMeta(id, meta)
		if !r.cfg.Fresh(d, now) {
			continue
		}
		anyFresh = true
		if d.VehicleClass == class {
			anyClassFit = true
		}
	}
	switch {
	case !anyFresh:
		return DiagNoneOnline
	case !anyClassFit:
		return DiagClassMismatch
	default:
		return DiagOutOfArea
	}
}

func (r *Redis) Fresh(d models.DriverSnapshot) bool {
	return r.cfg.Fresh(d, r.now())
}

func (r *Redis) fromMeta(id string, meta map[string]string) models.DriverSnapshot {
	d := models.DriverSnapshot{ID: id}
	if v, ok := meta["rating"]; ok {
		d.Rating, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := meta["online"]; ok {
		d.Online = v == "true"
	}
	if v, ok := meta["class"]; ok {
		d.VehicleClass = models.VehicleClass(v)
	}
	if v, ok := meta["trips"]; ok {
		d.TotalTrips, _ = strconv.Atoi(v)
	}
	if v, ok := meta["heading"]; ok {
		d.HeadingDeg, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := meta["online_at"]; ok {
		d.OnlineAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := meta["position_at"]; ok {
		d.PositionAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return d
}
