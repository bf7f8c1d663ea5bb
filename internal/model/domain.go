package model

import "time"

// Assignment is read from the course domain by the deadline-reminder scan.
type Assignment struct {
	ID         string
	CourseID   string
	CourseName string
	Title      string
	DueDate    time.Time
}

// AttendanceSnapshot is a student's current attendance percentage in one course.
type AttendanceSnapshot struct {
	StudentID  string
	CourseID   string
	CourseName string
	Percentage float64
	UpdatedAt  time.Time
}

// Actor is the caller of an administrative operation.
type Actor struct {
	ID   string
	Role string
}

const RoleAdmin = "admin"

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// System is the actor used by the daemon itself.
var System = Actor{ID: "system", Role: RoleAdmin}
