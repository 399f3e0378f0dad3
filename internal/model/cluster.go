package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClusterStatus is the lifecycle state of a job cluster.
type ClusterStatus string

const (
	ClusterActive   ClusterStatus = "active"
	ClusterClosed   ClusterStatus = "closed"
	ClusterArchived ClusterStatus = "archived"
)

// JobCluster is one technician's route for one service day.
type JobCluster struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	ServiceDate  time.Time     `json:"service_date"`
	TechnicianID string        `json:"technician_id,omitempty"`
	CenterLat    float64       `json:"center_lat"`
	CenterLon    float64       `json:"center_lon"`
	RadiusMiles  float64       `json:"radius_miles"`
	JobCount     int           `json:"job_count"`
	MaxJobs      int           `json:"max_jobs"`
	Status       ClusterStatus `json:"status"`
	Version      int           `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// OpenSlots returns how many more jobs fit on the route.
func (c JobCluster) OpenSlots() int {
	if n := c.MaxJobs - c.JobCount; n > 0 {
		return n
	}
	return 0
}

// ClusterJob is a job's membership in a cluster.
type ClusterJob struct {
	ID                 string    `json:"id"`
	ClusterID          string    `json:"cluster_id"`
	QuoteID            string    `json:"quote_id,omitempty"`
	Lat                float64   `json:"lat"`
	Lon                float64   `json:"lon"`
	DistanceFromCenter float64   `json:"distance_from_center"`
	ScheduleOrder      int       `json:"schedule_order"`
	DurationMinutes    int       `json:"duration_minutes"`
	AddedAt            time.Time `json:"added_at"`
}

// RouteStop is one visit in a planned route.
type RouteStop struct {
	JobID          string  `json:"job_id"`
	QuoteID        string  `json:"quote_id,omitempty"`
	Order          int     `json:"order"`
	LegMiles       float64 `json:"leg_miles"`
	LegMinutes     float64 `json:"leg_minutes"`
	ServiceMinutes int     `json:"service_minutes"`
}

// Route is an ordered visiting plan for a cluster.
type Route struct {
	ClusterID     string      `json:"cluster_id"`
	Version       int         `json:"version"`
	StartLat      float64     `json:"start_lat"`
	StartLon      float64     `json:"start_lon"`
	Stops         []RouteStop `json:"stops"`
	TotalMiles    float64     `json:"total_miles"`
	TotalMinutes  float64     `json:"total_minutes"`
	ComputedAt    time.Time   `json:"computed_at"`
	FromCache     bool        `json:"from_cache"`
}

// OptionKind identifies a scheduling option family.
type OptionKind string

const (
	OptionJoinCluster OptionKind = "join_cluster"
	OptionNewCluster  OptionKind = "new_cluster"
	OptionFlexible    OptionKind = "flexible"
)

// SchedulingOption is one way to schedule a quote, with the discount it earns.
type SchedulingOption struct {
	Kind             OptionKind      `json:"kind"`
	ClusterID        string          `json:"cluster_id,omitempty"`
	ServiceDate      *time.Time      `json:"service_date,omitempty"`
	DistanceMiles    float64         `json:"distance_miles"`
	JobsInCluster    int             `json:"jobs_in_cluster"`
	RuleName         string          `json:"rule_name,omitempty"`
	Percentage       float64         `json:"percentage"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	FuelSavings      decimal.Decimal `json:"fuel_savings"`
	EstimatedSavings decimal.Decimal `json:"estimated_savings"`
	Score            float64         `json:"score"`
	NearbyQuoteIDs   []string        `json:"nearby_quote_ids,omitempty"`
	CenterLat        float64         `json:"center_lat,omitempty"`
	CenterLon        float64         `json:"center_lon,omitempty"`
}
