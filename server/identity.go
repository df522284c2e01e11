//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatexcel/datalab/log"
	"github.com/chatexcel/datalab/quota"
)

// identity resolves who is calling: the JWT subject when a valid
// bearer token is presented, otherwise the client IP.
func (s *Server) identity(r *http.Request) quota.Identity {
	id := quota.Identity{ClientIP: clientIP(r)}
	if s.jwtSecret == "" {
		return id
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return id
	}
	tokenStr := strings.TrimPrefix(auth, "Bearer ")
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		log.Debugf("reject bearer token: %v", err)
		return id
	}
	if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
		id.UserID = sub
	}
	return id
}

// clientIP picks the client address the way the edge proxies report
// it, in order of trust.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("cf-connecting-ip"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		// First hop is the original client.
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
