package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/user"
)

// addUser updates or creates a staff user.User of a school. New users without -admin are teachers.
func (cli *commandLine) addUser(schoolID int, name, uname, email, pwd string, isAdmin bool) error {
	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)

	if _, err := cli.schoolSvc.Get(ctx, schoolID); err != nil {
		return err
	}

	lookup := []string{uname}
	if email != "" {
		lookup = append(lookup, email)
	}
	usr, err := cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: lookup})
	switch {
	case err == nil:
		if usr.SchoolID != schoolID {
			return fmt.Errorf("user %q belongs to another school", usr.Username)
		}
	case errors.Cause(err) == user.ErrNotFound:
		usr = user.User{
			SchoolID:  schoolID,
			Username:  uname,
			Email:     email,
			Roles:     []string{user.RoleTeacher},
			CreatedAt: time.Now().UTC(),
		}
	default:
		return err
	}

	if name = core.CleanString(name); name != "" {
		usr.Name = name
	}
	if isAdmin {
		usr.Roles = user.AllRoles
	}
	usr.SetActive(true)
	usr.UpdatedAt = time.Now().UTC()
	if err = usr.SetPassword(pwd); err != nil {
		return err
	}
	if usr, err = cli.usrRepo.UpdateOrCreateUser(ctx, usr); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "user %s (%s) saved\n", usr.Username, usr.ID)
	return nil
}
