package models

import "time"

// Customer is a stem-cell therapy patient. Reports and exams belong to a customer.
type Customer struct {
	ID        string    `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MedicalExam is a source document a report can be derived from.
type MedicalExam struct {
	ID         string    `db:"id"          json:"id"`
	CustomerID string    `db:"customer_id" json:"customer_id"`
	ExamType   string    `db:"exam_type"   json:"exam_type"`
	ExamDate   time.Time `db:"exam_date"   json:"exam_date"`
	Findings   string    `db:"findings"    json:"findings"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}
