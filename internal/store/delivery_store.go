package store

import (
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

var Deliveries *DeliveryStore

// DeliveryStore remembers webhook delivery IDs so a redelivered event
// triggers at most one run. Entries live in a shared in-memory sqlite
// database and expire after the configured window.
type DeliveryStore struct {
	DB *sql.DB
}

func NewDeliveryStore() *DeliveryStore {
	db, err := sql.Open("sqlite", "file:deliveries?mode=memory&cache=shared")
	if err != nil {
		log.Fatal(err)
	}
	if _, err := db.Exec(
		`create table if not exists deliveries (
			delivery_id text primary key,
			expires timestamp not null
		)`,
	); err != nil {
		log.Fatal(err)
	}
	return &DeliveryStore{DB: db}
}

func (ds *DeliveryStore) ScheduleDailyCleanUp(s gocron.Scheduler) {
	if _, err := s.NewJob(gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))), gocron.NewTask(func() {
		if err := ds.RemoveExpired(); err != nil {
			log.Println("err deleting expired webhook deliveries:", err)
		}
	})); err != nil {
		log.Fatal(err)
	}
}

func (ds *DeliveryStore) Add(deliveryID string, expires time.Time) error {
	query := "insert into deliveries (delivery_id, expires) values($1, $2)"
	_, err := ds.DB.Exec(query, deliveryID, expires)
	return err
}

// Seen reports whether the delivery ID is already recorded and not yet
// expired. Deliveries without an ID are never deduplicated.
func (ds *DeliveryStore) Seen(deliveryID string) (bool, error) {
	if deliveryID == "" {
		return false, nil
	}
	query := "select expires from deliveries where delivery_id = $1"
	var expires time.Time
	err := ds.DB.QueryRow(query, deliveryID).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expires.After(time.Now().UTC()), nil
}

func (ds *DeliveryStore) RemoveExpired() error {
	query := "delete from deliveries where expires < CURRENT_TIMESTAMP"
	_, err := ds.DB.Exec(query)
	return err
}
