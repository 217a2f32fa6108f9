package domain

import "strings"

// Role — роль вызывающего, приходит от внешнего auth-прокси.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
	// RoleSystem — фоновые процессы сервиса (сверка, webhook).
	RoleSystem Role = "system"
)

// Actor — кто выполняет операцию.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor используется фоновыми задачами.
func SystemActor(name string) Actor {
	return Actor{ID: "system:" + name, Role: RoleSystem}
}

// Privileged сообщает, что актор может действовать над чужими заказами.
func (a Actor) Privileged() bool {
	switch a.Role {
	case RoleAdmin, RoleStaff, RoleSystem:
		return true
	default:
		return false
	}
}

// CanAccess проверяет доступ к заказу.
func (a Actor) CanAccess(order Order) bool {
	return a.Privileged() || order.OwnedBy(strings.TrimSpace(a.ID))
}

func (a Actor) String() string {
	if a.ID == "" {
		return "anonymous"
	}
	return a.ID
}
