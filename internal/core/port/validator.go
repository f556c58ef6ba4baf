package port

// StatementValidator checks maintenance statements before they are executed.
type StatementValidator interface {
	Validate(sql string) error
}
