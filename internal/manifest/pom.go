package manifest

import (
	"strings"
	"text/template"

	"github.com/jkaninda/runbox/internal/detect"
)

const (
	springBootVersion  = "3.2.2"
	junitVersion       = "5.10.0"
	junitLauncher      = "1.10.0"
	testngVersion      = "7.8.0"
	commonsLangVersion = "3.14.0"
	surefireVersion    = "3.2.5"
	commonsLangMarker  = "org.apache.commons.lang3"
)

type dependency struct {
	Group, Artifact, Version, Scope string
}

type pomData struct {
	Dependencies []dependency
	Custom       string
	Surefire     string
}

var pomTemplate = template.Must(template.New("pom").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<project xmlns="http://maven.apache.org/POM/4.0.0"
         xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
         xsi:schemaLocation="http://maven.apache.org/POM/4.0.0
         http://maven.apache.org/xsd/maven-4.0.0.xsd">
  <modelVersion>4.0.0</modelVersion>

  <groupId>com.test</groupId>
  <artifactId>genai-test</artifactId>
  <version>1.0-SNAPSHOT</version>

  <properties>
    <maven.compiler.source>21</maven.compiler.source>
    <maven.compiler.target>21</maven.compiler.target>
    <project.build.sourceEncoding>UTF-8</project.build.sourceEncoding>
  </properties>

  <dependencies>
{{- range .Dependencies}}
    <dependency>
      <groupId>{{.Group}}</groupId>
      <artifactId>{{.Artifact}}</artifactId>
      <version>{{.Version}}</version>
{{- if .Scope}}
      <scope>{{.Scope}}</scope>
{{- end}}
    </dependency>
{{- end}}
{{- if .Custom}}
{{.Custom}}
{{- end}}
  </dependencies>

  <build>
    <plugins>
      <plugin>
        <groupId>org.apache.maven.plugins</groupId>
        <artifactId>maven-surefire-plugin</artifactId>
        <version>{{.Surefire}}</version>
      </plugin>
    </plugins>
  </build>
</project>
`))

// Pom renders the Maven descriptor for a Java job. JUnit 5 is always
// present. Spring Boot starters are added only for web markers in the
// source; TestNG when the test imports it; commons-lang3 when either file
// references it and the custom block does not already declare it.
func Pom(in Input) string {
	var d pomData
	d.Surefire = surefireVersion

	if detect.UsesSpring(in.Source) {
		d.Dependencies = append(d.Dependencies,
			dependency{"org.springframework.boot", "spring-boot-starter-web", springBootVersion, ""},
			dependency{"org.springframework.boot", "spring-boot-starter-test", springBootVersion, "test"},
		)
	}
	d.Dependencies = append(d.Dependencies,
		dependency{"org.junit.jupiter", "junit-jupiter-api", junitVersion, "test"},
		dependency{"org.junit.jupiter", "junit-jupiter-engine", junitVersion, "test"},
		dependency{"org.junit.platform", "junit-platform-launcher", junitLauncher, "test"},
	)
	if _, testng := detect.JavaFrameworks(in.Test); testng {
		d.Dependencies = append(d.Dependencies, dependency{"org.testng", "testng", testngVersion, "test"})
	}

	custom := strings.TrimSpace(in.CustomDependencies)
	if !strings.Contains(custom, "commons-lang3") &&
		(strings.Contains(in.Source, commonsLangMarker) || strings.Contains(in.Test, commonsLangMarker)) {
		d.Dependencies = append(d.Dependencies, dependency{"org.apache.commons", "commons-lang3", commonsLangVersion, ""})
	}
	d.Custom = custom

	var b strings.Builder
	// The template only ranges over fixed fields; execution cannot fail.
	_ = pomTemplate.Execute(&b, d)
	return b.String()
}

// SpringApplication is the bootstrap class added when Spring source code
// lacks one.
const SpringApplication = `package com.test;

import org.springframework.boot.SpringApplication;
import org.springframework.boot.autoconfigure.SpringBootApplication;

@SpringBootApplication
public class TestApplication {
  public static void main(String[] args) {
    SpringApplication.run(TestApplication.class, args);
  }
}
`

// NeedsSpringApplication reports whether source references Spring without
// declaring an application class.
func NeedsSpringApplication(source string) bool {
	return strings.Contains(source, "org.springframework") && !strings.Contains(source, "@SpringBootApplication")
}
