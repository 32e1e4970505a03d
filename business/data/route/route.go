// Package route provides access to route stops, vehicle samples and admin
// alerts, and the in-memory stop ledger the arrival pipeline runs on.
package route

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ridewatch/ridewatch/foundation/database"
)

// Stop is a fixed waypoint on a route. PositionIndex is the ordinal rank of
// the stop along its route, lower indexes come earlier. Reached is flipped
// when the vehicle has come within threshold distance of the stop.
type Stop struct {
	RouteId       string     `db:"route_id" json:"route_id"`
	Name          string     `db:"name" json:"name"`
	Latitude      float64    `db:"latitude" json:"latitude"`
	Longitude     float64    `db:"longitude" json:"longitude"`
	PositionIndex int        `db:"position_index" json:"position_index"`
	Reached       bool       `db:"reached" json:"reached"`
	ReachedAt     *time.Time `db:"reached_at" json:"reached_at"`
}

// VehicleSample is a single reported vehicle position. Samples are ephemeral,
// the pipeline retains only the two most recent to detect movement.
type VehicleSample struct {
	RouteId   string    `db:"route_id" json:"route_id"`
	Latitude  float64   `db:"latitude" json:"latitude"`
	Longitude float64   `db:"longitude" json:"longitude"`
	Speed     float64   `db:"speed" json:"speed"`
	Timestamp time.Time `db:"recorded_at" json:"timestamp"`
}

// AdminAlert is a broadcast message created from the admin dashboard,
// delivered to riders by the background alert poll task.
type AdminAlert struct {
	Id        int64     `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StopUpdate is a single stop state change received on the stop change
// stream.
type StopUpdate struct {
	Name      string     `json:"name"`
	Reached   bool       `json:"reached"`
	ReachedAt *time.Time `json:"reached_at"`
}

// StopBatch is one ordered batch of stop state changes for a route.
type StopBatch struct {
	RouteId string       `json:"route_id"`
	Updates []StopUpdate `json:"updates"`
}

// ErrMalformedRecord indicates a single record failed validation. Callers
// skip the record and continue with the rest of the batch.
var ErrMalformedRecord = errors.New("malformed record")

// Validate checks the fields of a StopUpdate required to apply it.
func (u *StopUpdate) Validate() error {
	if u.Name == "" {
		return ErrMalformedRecord
	}
	return nil
}

// Validate checks a VehicleSample contains usable coordinates. Zero-pair
// coordinates are produced by devices without a GPS fix and are rejected
// here rather than in the distance math.
func (v *VehicleSample) Validate() error {
	if !finiteCoordinate(v.Latitude, v.Longitude) {
		return ErrMalformedRecord
	}
	if v.Latitude == 0 && v.Longitude == 0 {
		return ErrMalformedRecord
	}
	return nil
}

// GetRouteStops loads the full stop snapshot for routeId ordered by position
// index
func GetRouteStops(db *sqlx.DB, routeId string) ([]Stop, error) {
	statementString := "select route_id, name, latitude, longitude, position_index, reached, reached_at " +
		"from stop " +
		"where route_id = :route_id " +
		"order by position_index"
	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, map[string]interface{}{
		"route_id": routeId,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	var results []Stop
	for rows.Next() {
		stop := Stop{}
		err = rows.StructScan(&stop)
		if err != nil {
			return nil, err
		}
		results = append(results, stop)
	}
	return results, nil
}

// RecordStopReached performs the point write marking a stop reached
func RecordStopReached(db *sqlx.DB, routeId string, name string, reachedAt time.Time) error {
	statementString := "update stop " +
		"set reached = true, " +
		"reached_at = :reached_at " +
		"where route_id = :route_id " +
		"and name = :name"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, map[string]interface{}{
		"reached_at": reachedAt,
		"route_id":   routeId,
		"name":       name,
	})
	return err
}

// LatestVehicleSample reads the most recent persisted vehicle sample for
// routeId. Returns nil without error when no sample has been recorded.
func LatestVehicleSample(ctx context.Context, db *sqlx.DB, routeId string) (*VehicleSample, error) {
	statementString := db.Rebind("select route_id, latitude, longitude, speed, recorded_at " +
		"from vehicle_sample " +
		"where route_id = ? " +
		"order by recorded_at desc " +
		"limit 1")
	sample := VehicleSample{}
	err := db.GetContext(ctx, &sample, statementString, routeId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// AlertsSince reads admin alerts created after since, oldest first, so the
// poll watermark can be advanced one successful delivery at a time.
func AlertsSince(ctx context.Context, db *sqlx.DB, since time.Time) ([]AdminAlert, error) {
	statementString := db.Rebind("select id, title, body, created_at " +
		"from admin_alert " +
		"where created_at > ? " +
		"order by created_at")
	var results []AdminAlert
	err := db.SelectContext(ctx, &results, statementString, since)
	if err != nil {
		return nil, err
	}
	return results, nil
}
